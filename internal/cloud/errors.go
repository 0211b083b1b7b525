package cloud

import (
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"

	"github.com/Azure/azure-sdk-for-go/sdk/azcore"
	azruntime "github.com/Azure/azure-sdk-for-go/sdk/azcore/runtime"
)

var (
	// ErrNotFound is returned by GCP operations on a missing object.
	ErrNotFound = errors.New("not found")

	// ErrAlreadyExists is returned by GCP creators when the object exists.
	ErrAlreadyExists = errors.New("already exists")
)

// NotFound wraps ErrNotFound with the object that is missing.
func NotFound(format string, args ...any) error {
	return fmt.Errorf("%s: %w", fmt.Sprintf(format, args...), ErrNotFound)
}

// AlreadyExists wraps ErrAlreadyExists with the object that exists.
func AlreadyExists(format string, args ...any) error {
	return fmt.Errorf("%s: %w", fmt.Sprintf(format, args...), ErrAlreadyExists)
}

// IsNotFound reports whether err means the object does not exist, for both
// providers.
func IsNotFound(err error) bool {
	if errors.Is(err, ErrNotFound) {
		return true
	}
	var re *azcore.ResponseError
	return errors.As(err, &re) && re.StatusCode == http.StatusNotFound
}

// IsAlreadyExists reports whether err means the object already exists, for
// both providers.
func IsAlreadyExists(err error) bool {
	if errors.Is(err, ErrAlreadyExists) {
		return true
	}
	var re *azcore.ResponseError
	return errors.As(err, &re) && re.StatusCode == http.StatusConflict
}

// NewAzureError builds the *azcore.ResponseError an ARM call returns for
// the given status and error code.
func NewAzureError(method, resourceURL string, status int, code, message string) error {
	u, err := url.Parse(resourceURL)
	if err != nil {
		u = &url.URL{Path: resourceURL}
	}
	body := fmt.Sprintf(`{"error":{"code":%q,"message":%q}}`, code, message)
	resp := &http.Response{
		Status:     fmt.Sprintf("%d %s", status, http.StatusText(status)),
		StatusCode: status,
		Header:     http.Header{"x-ms-error-code": []string{code}, "Content-Type": []string{"application/json"}},
		Body:       io.NopCloser(strings.NewReader(body)),
		Request:    &http.Request{Method: method, URL: u},
	}
	return azruntime.NewResponseError(resp)
}
