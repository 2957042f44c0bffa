// Package webdriver completes the sign-in pages a console URL leads to.
package webdriver

import (
	"context"
	"errors"
	"fmt"

	"github.com/pkg/browser"
)

// Driver completes registration or login and the consent step at a
// console URL. It returns once the browser side is done.
type Driver interface {
	Complete(ctx context.Context, consoleURL string) error
}

// ErrFlowRejected is returned when a page answers a submission with an error message.
var ErrFlowRejected = errors.New("webdriver: flow rejected")

// SystemDriver opens the URL in the operator's browser and leaves the
// pages to a human.
type SystemDriver struct {
	// Open defaults to browser.OpenURL.
	Open func(url string) error
}

func (d *SystemDriver) Complete(ctx context.Context, consoleURL string) error {
	open := d.Open
	if open == nil {
		open = browser.OpenURL
	}
	if err := ctx.Err(); err != nil {
		return err
	}
	if err := open(consoleURL); err != nil {
		return fmt.Errorf("webdriver: failed to open browser: %w", err)
	}
	return nil
}
