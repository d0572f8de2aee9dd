package sentry_gateway

import (
	"fmt"
	"net/url"
	"regexp"
	"strconv"
	"strings"
	"time"
)

// DSN represents a parsed Sentry DSN
type DSN struct {
	String    string
	Scheme    string
	PublicKey string
	SecretKey string
	Host      string
	Port      int
	Path      string
	ProjectID string
	OrgID     *int // Organization ID (optional, for SaaS)

	// Computed URL
	EnvelopeURL string
}

// Regex to match the organization ID in the host (for Sentry SaaS)
var sentryOrgIDRegex = regexp.MustCompile(`^o(\d+)\.`)

// ParseDSN parses a Sentry DSN string
func ParseDSN(dsnStr string) (*DSN, error) {
	if dsnStr == "" {
		return nil, fmt.Errorf("DSN is empty")
	}

	parsedURL, err := url.Parse(dsnStr)
	if err != nil {
		return nil, fmt.Errorf("the %q DSN is invalid: %w", dsnStr, err)
	}

	if parsedURL.Scheme == "" || parsedURL.Host == "" || parsedURL.Path == "" ||
		parsedURL.User == nil || parsedURL.User.Username() == "" {
		return nil, fmt.Errorf("the %q DSN must contain a scheme, a host, a user and a path component", dsnStr)
	}

	if parsedURL.Scheme != "http" && parsedURL.Scheme != "https" {
		return nil, fmt.Errorf("the scheme of the %q DSN must be either \"http\" or \"https\"", dsnStr)
	}

	secretKey, _ := parsedURL.User.Password()

	port := 80
	if parsedURL.Scheme == "https" {
		port = 443
	}
	if parsedURL.Port() != "" {
		portNum, err := strconv.Atoi(parsedURL.Port())
		if err != nil {
			return nil, fmt.Errorf("the %q DSN has an invalid port: %w", dsnStr, err)
		}
		port = portNum
	}

	// the last path segment is the project ID, the rest is a path prefix
	pathSegments := strings.Split(strings.Trim(parsedURL.Path, "/"), "/")
	projectID := pathSegments[len(pathSegments)-1]
	if projectID == "" {
		return nil, fmt.Errorf("the %q DSN path must contain a project ID", dsnStr)
	}

	path := "/"
	if len(pathSegments) > 1 {
		path = "/" + strings.Join(pathSegments[:len(pathSegments)-1], "/")
	}

	var orgID *int
	if matches := sentryOrgIDRegex.FindStringSubmatch(parsedURL.Hostname()); len(matches) > 1 {
		if id, err := strconv.Atoi(matches[1]); err == nil {
			orgID = &id
		}
	}

	dsn := &DSN{
		String:    dsnStr,
		Scheme:    parsedURL.Scheme,
		PublicKey: parsedURL.User.Username(),
		SecretKey: secretKey,
		Host:      parsedURL.Hostname(),
		Port:      port,
		Path:      path,
		ProjectID: projectID,
		OrgID:     orgID,
	}
	dsn.EnvelopeURL = dsn.GetEnvelopeEndpointURL()

	return dsn, nil
}

// GetBaseEndpointURL returns the base API endpoint URL
func (d *DSN) GetBaseEndpointURL() string {
	url := fmt.Sprintf("%s://%s", d.Scheme, d.Host)

	if (d.Scheme == "http" && d.Port != 80) || (d.Scheme == "https" && d.Port != 443) {
		url += fmt.Sprintf(":%d", d.Port)
	}

	if d.Path != "" && d.Path != "/" {
		url += strings.TrimSuffix(d.Path, "/")
	}

	return url + "/api/" + d.ProjectID
}

// GetEnvelopeEndpointURL returns the envelope API endpoint URL
func (d *DSN) GetEnvelopeEndpointURL() string {
	return d.GetBaseEndpointURL() + "/envelope/"
}

// AuthHeader builds the X-Sentry-Auth header value
func (d *DSN) AuthHeader(now time.Time) string {
	auth := fmt.Sprintf("Sentry sentry_version=7,sentry_client=%s,sentry_timestamp=%d,sentry_key=%s",
		userAgent, now.Unix(), d.PublicKey)

	if d.SecretKey != "" {
		auth += ",sentry_secret=" + d.SecretKey
	}

	return auth
}
