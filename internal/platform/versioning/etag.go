package versioning

import (
	"fmt"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/labstack/echo/v4"
)

// Versioned is implemented by records that carry an optimistic-concurrency version.
type Versioned interface {
	GetVersionID() int
	SetVersionID(v int)
}

// SetVersionHeaders sets ETag and Last-Modified headers on the response.
func SetVersionHeaders(c echo.Context, r Versioned, lastModified time.Time) {
	c.Response().Header().Set("ETag", FormatETag(r.GetVersionID()))
	if !lastModified.IsZero() {
		c.Response().Header().Set("Last-Modified", lastModified.UTC().Format(http.TimeFormat))
	}
}

// ExpectedVersion resolves the version a write is conditioned on. The
// If-Match header wins; otherwise bodyVersion is used when positive. A write
// with neither is rejected with 428.
func ExpectedVersion(c echo.Context, bodyVersion int) (int, error) {
	if ifMatch := c.Request().Header.Get("If-Match"); ifMatch != "" {
		v, err := ParseETag(ifMatch)
		if err != nil {
			return 0, echo.NewHTTPError(http.StatusBadRequest, "invalid If-Match header: "+err.Error())
		}
		return v, nil
	}
	if bodyVersion > 0 {
		return bodyVersion, nil
	}
	return 0, echo.NewHTTPError(http.StatusPreconditionRequired,
		"the expected version is required (If-Match header or version field)")
}

// ParseETag extracts the version number from an ETag value like W/"3" or "3".
func ParseETag(etag string) (int, error) {
	etag = strings.TrimSpace(etag)
	etag = strings.TrimPrefix(etag, "W/")
	etag = strings.Trim(etag, `"`)

	v, err := strconv.Atoi(etag)
	if err != nil || v < 1 {
		return 0, fmt.Errorf("ETag must contain a positive numeric version: %s", etag)
	}
	return v, nil
}

// FormatETag creates a weak ETag from a version.
func FormatETag(version int) string {
	return fmt.Sprintf(`W/"%d"`, version)
}

// CheckIfNoneMatch reports whether the client already holds currentVersion,
// in which case 304 Not Modified should be returned.
func CheckIfNoneMatch(c echo.Context, currentVersion int) bool {
	ifNoneMatch := c.Request().Header.Get("If-None-Match")
	if ifNoneMatch == "" {
		return false
	}
	clientVersion, err := ParseETag(ifNoneMatch)
	if err != nil {
		return false
	}
	return clientVersion == currentVersion
}
