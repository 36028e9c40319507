package vault

import (
	"net/url"

	"github.com/golang-jwt/jwt"
	pe "linkvault.io/vault/errors"
)

const errMsgBadDownload = "download link is invalid or expired"

// downloadToken signs a link granting the download of file name of record id until DownloadTTL runs out.
// Links are handed out by GetContent only, so they inherit its access checks.
func (s *Service) downloadToken(id, name string) (string, error) {
	claims := jwt.StandardClaims{
		Subject:   id,
		Audience:  name,
		ExpiresAt: s.Now().Add(s.Cfg.DownloadTTL).Unix(),
	}
	return jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString(s.Cfg.DownloadSecret)
}

// fileURL is the public URL of the file of record id, carrying a fresh download token
func (s *Service) fileURL(id, name string) (string, *pe.Err) {
	token, err := s.downloadToken(id, name)
	if err != nil {
		return "", pe.NewServiceFailure("error signing download link").WithCause(err)
	}
	return s.Blobs.PublicURL(id, name) + "?" + url.Values{"token": {token}}.Encode(), nil
}

func (s *Service) verifyDownload(token, id, name string) *pe.Err {
	claims := &jwt.StandardClaims{}
	// expiry is checked against the service clock below
	p := &jwt.Parser{ValidMethods: []string{jwt.SigningMethodHS256.Name}, SkipClaimsValidation: true}
	_, err := p.ParseWithClaims(token, claims, func(*jwt.Token) (interface{}, error) {
		return s.Cfg.DownloadSecret, nil
	})
	if err != nil {
		return pe.NewForbidden(errMsgBadDownload).WithCause(err)
	}
	if claims.Subject != id || !claims.VerifyAudience(name, true) || !claims.VerifyExpiresAt(s.Now().Unix(), true) {
		return pe.NewForbidden(errMsgBadDownload)
	}
	return nil
}
