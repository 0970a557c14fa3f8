// Package gapi holds helpers shared by the Google API clients.
package gapi

import (
	"errors"
	"net"
	"net/http"
	"net/url"

	"golang.org/x/oauth2"
	"google.golang.org/api/googleapi"

	"qm/internal/retry"
)

// Scopes requested by the service: calendar read/patch/watch plus running the
// forms Apps Script.
var Scopes = []string{
	"https://www.googleapis.com/auth/calendar",
	"https://www.googleapis.com/auth/forms",
	"https://www.googleapis.com/auth/drive",
	"https://www.googleapis.com/auth/spreadsheets",
}

// Classify attaches a retry.Kind to an error returned by a Google API call.
func Classify(err error) error {
	if err == nil {
		return nil
	}

	var ae *googleapi.Error
	if errors.As(err, &ae) {
		switch {
		case ae.Code == http.StatusUnauthorized:
			return retry.AuthExpired(err)
		case ae.Code == http.StatusNotFound || ae.Code == http.StatusGone:
			return retry.NotFound(err)
		case ae.Code == http.StatusTooManyRequests || ae.Code >= 500:
			return retry.Transient(err)
		default:
			return retry.Permanent(err)
		}
	}

	var re *oauth2.RetrieveError
	if errors.As(err, &re) {
		return retry.AuthExpired(err)
	}

	var ne net.Error
	if errors.As(err, &ne) && ne.Timeout() {
		return retry.Transient(err)
	}
	var ue *url.Error
	if errors.As(err, &ue) {
		return retry.Transient(err)
	}

	return retry.Permanent(err)
}

// IsNotFound reports whether err is a Google API 404/410.
func IsNotFound(err error) bool {
	return retry.KindOf(Classify(err)) == retry.KindNotFound
}
