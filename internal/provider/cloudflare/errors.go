package cloudflare

import (
	"context"
	"errors"
	"fmt"
	"strings"

	cf "github.com/cloudflare/cloudflare-go/v6"

	"github.com/trafegodns/trafegodns/internal/provider"
)

// classify maps Cloudflare API failures onto the provider error
// taxonomy so callers can branch with errors.Is.
func classify(err error) error {
	if err == nil {
		return nil
	}
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return err
	}

	var apierr *cf.Error
	if errors.As(err, &apierr) {
		switch {
		case apierr.StatusCode == 401 || apierr.StatusCode == 403:
			return fmt.Errorf("%w: %v", provider.ErrAuth, err)
		case apierr.StatusCode == 404:
			return fmt.Errorf("%w: %v", provider.ErrNotFound, err)
		case apierr.StatusCode == 409:
			return fmt.Errorf("%w: %v", provider.ErrConflict, err)
		case apierr.StatusCode == 429:
			return fmt.Errorf("%w: %v", provider.ErrRateLimited, err)
		case apierr.StatusCode >= 500:
			return fmt.Errorf("%w: %v", provider.ErrTransient, err)
		}
	}

	// Duplicate records come back as a 400 with an "already exists"
	// message rather than a 409.
	msg := err.Error()
	if strings.Contains(msg, "already exists") || strings.Contains(msg, "81057") {
		return fmt.Errorf("%w: %v", provider.ErrConflict, err)
	}
	if strings.Contains(msg, "not found") {
		return fmt.Errorf("%w: %v", provider.ErrNotFound, err)
	}

	if apierr != nil && apierr.StatusCode == 400 {
		return fmt.Errorf("%w: %v", provider.ErrValidation, err)
	}

	// Anything unrecognized is treated as transient so it gets a
	// retry before the provider is marked degraded.
	return fmt.Errorf("%w: %v", provider.ErrTransient, err)
}
