package fetch

import (
	"context"
	"net"
	"regexp"

	"github.com/4liaghaie/scraper-dashboard/errors"
)

// Class is the outcome class of one fetch attempt
type Class string

const (
	ClassOK             Class = "ok"
	ClassTimeout        Class = "timeout"
	ClassNotFound       Class = "not_found"
	ClassAntiAutomation Class = "anti_automation"
	ClassHTTPError      Class = "http_error"
	ClassCanceled       Class = "canceled"
)

// Retryable reports whether another lightweight attempt can help
func (c Class) Retryable() bool {
	return c == ClassTimeout || c == ClassAntiAutomation || c == ClassHTTPError
}

// challenge pages served with a 200 status
var antiAutomationMarkers = []*regexp.Regexp{
	regexp.MustCompile(`(?i)Robot\s*Check`),
	regexp.MustCompile(`(?i)Amazon\s*Captcha`),
	regexp.MustCompile(`(?i)automatically\s+recognized\s+as\s+a\s+robot`),
	regexp.MustCompile(`(?i)make\s+sure\s+you\s*'?re\s+not\s+a\s+robot`),
	regexp.MustCompile(`(?i)/errors/validateCaptcha`),
	regexp.MustCompile(`(?i)Enter\s+the\s+characters\s+you\s+see\s+below`),
	regexp.MustCompile(`(?i)Sorry!\s+Something\s+went\s+wrong`),
	regexp.MustCompile(`(?i)cf-challenge|cf_chl_opt|challenge-platform`),
	regexp.MustCompile(`(?i)g-recaptcha|h-captcha|hcaptcha\.com`),
}

// LooksAntiAutomated reports whether a status or body is an anti-automation signal
func LooksAntiAutomated(status int, body []byte) bool {
	switch status {
	case 403, 429, 503:
		return true
	}
	for _, re := range antiAutomationMarkers {
		if re.Match(body) {
			return true
		}
	}
	return false
}

// Classify maps one attempt's response or error to a Class
func Classify(resp *Response, err error) Class {
	if err != nil {
		switch {
		case errors.Is(err, context.Canceled):
			return ClassCanceled
		case errors.Is(err, context.DeadlineExceeded):
			return ClassTimeout
		}
		var ne net.Error
		if errors.As(err, &ne) && ne.Timeout() {
			return ClassTimeout
		}
		return ClassHTTPError
	}
	if resp == nil {
		return ClassHTTPError
	}
	switch {
	case resp.Status == 404 || resp.Status == 410:
		return ClassNotFound
	case LooksAntiAutomated(resp.Status, resp.Body):
		return ClassAntiAutomation
	case resp.Status < 200 || resp.Status > 299:
		return ClassHTTPError
	}
	return ClassOK
}
