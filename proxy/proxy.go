// Package proxy defines the contract for controlling the active outbound
// selection of an external proxy controller.
package proxy

import (
	"context"
	"errors"
)

// ErrAPIResponseFailure is wrapped by errors returned when the controller's
// API response indicates failure.
var ErrAPIResponseFailure = errors.New("API response indicates failure")

// Client switches the active target of a proxy controller's selector groups.
type Client interface {
	// Active returns the name of the selector's currently active target.
	Active(ctx context.Context, selector string) (string, error)

	// SetActive makes target the selector's active target.
	// Setting an already active target is a no-op on conforming controllers.
	SetActive(ctx context.Context, selector, target string) error
}
