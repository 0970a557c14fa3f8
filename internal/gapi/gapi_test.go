package gapi

import (
	"context"
	"errors"
	"net/http"
	"net/url"
	"testing"

	"github.com/stretchr/testify/assert"
	"golang.org/x/oauth2"
	"google.golang.org/api/googleapi"

	"qm/internal/retry"
)

func TestClassify(t *testing.T) {
	cases := []struct {
		name string
		err  error
		want retry.Kind
	}{
		{"unauthorized", &googleapi.Error{Code: http.StatusUnauthorized}, retry.KindAuthExpired},
		{"not found", &googleapi.Error{Code: http.StatusNotFound}, retry.KindNotFound},
		{"gone", &googleapi.Error{Code: http.StatusGone}, retry.KindNotFound},
		{"rate limited", &googleapi.Error{Code: http.StatusTooManyRequests}, retry.KindTransient},
		{"backend", &googleapi.Error{Code: http.StatusBadGateway}, retry.KindTransient},
		{"bad request", &googleapi.Error{Code: http.StatusBadRequest}, retry.KindPermanent},
		{"forbidden", &googleapi.Error{Code: http.StatusForbidden}, retry.KindPermanent},
		{"token endpoint", &oauth2.RetrieveError{Response: &http.Response{StatusCode: 400}}, retry.KindAuthExpired},
		{"network", &url.Error{Op: "Get", URL: "https://www.googleapis.com", Err: errors.New("connection reset")}, retry.KindTransient},
		{"other", errors.New("malformed payload"), retry.KindPermanent},
		{"canceled", &url.Error{Op: "Get", Err: context.Canceled}, retry.KindPermanent},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			assert.Equal(t, tc.want, retry.KindOf(Classify(tc.err)))
		})
	}
	assert.Nil(t, Classify(nil))
	assert.True(t, IsNotFound(&googleapi.Error{Code: http.StatusNotFound}))
}
