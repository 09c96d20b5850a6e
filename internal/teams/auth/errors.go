package auth

import (
	"errors"
	"fmt"
	"strings"
)

var (
	ErrConfigurationMissing   = errors.New("configuration missing")
	ErrTokenAcquisitionFailed = errors.New("token acquisition failed")
	ErrMissingIdentity        = errors.New("missing agent identity")
)

type Tier string

const (
	TierT1       Tier = "T1"
	TierT2       Tier = "T2"
	TierAgent    Tier = "Agent"
	TierCallback Tier = "callback"
)

// TokenAcquisitionError reports a failed step of the exchange. Status is zero
// when the request never got a response.
type TokenAcquisitionError struct {
	Tier        Tier
	Status      int
	Body        string
	Code        string
	Description string
	Cause       error
}

func (e *TokenAcquisitionError) Error() string {
	var sb strings.Builder
	fmt.Fprintf(&sb, "%s token exchange failed", e.Tier)
	if e.Status != 0 {
		fmt.Fprintf(&sb, ": status %d", e.Status)
	}
	switch {
	case e.Code != "" && e.Description != "":
		fmt.Fprintf(&sb, ": %s: %s", e.Code, e.Description)
	case e.Code != "":
		fmt.Fprintf(&sb, ": %s", e.Code)
	case e.Body != "":
		fmt.Fprintf(&sb, ": body=%s", e.Body)
	}
	if e.Cause != nil {
		fmt.Fprintf(&sb, ": %v", e.Cause)
	}
	return sb.String()
}

func (e *TokenAcquisitionError) Is(target error) bool {
	return target == ErrTokenAcquisitionFailed
}

func (e *TokenAcquisitionError) Unwrap() error {
	return e.Cause
}
