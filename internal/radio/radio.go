// Package radio switches the uplink network interface on only while a batch
// is being relayed.
package radio

import (
	"bytes"
	"context"
	"fmt"
	"os/exec"
	"strings"
	"time"

	"github.com/sirupsen/logrus"
)

// Runner executes a command and returns its combined output
type Runner func(ctx context.Context, name string, args ...string) (string, error)

// Controller brings an interface up and down with ifconfig.
// A Controller with an empty interface name does nothing.
type Controller struct {
	iface   string
	useSudo bool
	timeout time.Duration
	run     Runner
	logger  *logrus.Logger
}

// NewController creates a controller for iface
func NewController(iface string, useSudo bool, logger *logrus.Logger) *Controller {
	return &Controller{
		iface:   iface,
		useSudo: useSudo,
		timeout: 10 * time.Second,
		run:     execRunner,
		logger:  logger,
	}
}

// SetRunner replaces how commands are executed
func (c *Controller) SetRunner(run Runner) {
	c.run = run
}

// Enabled reports whether an interface is configured
func (c *Controller) Enabled() bool {
	return c != nil && c.iface != ""
}

// Up brings the interface up
func (c *Controller) Up(ctx context.Context) error {
	return c.set(ctx, "up")
}

// Down brings the interface down
func (c *Controller) Down(ctx context.Context) error {
	return c.set(ctx, "down")
}

func (c *Controller) set(ctx context.Context, state string) error {
	if !c.Enabled() {
		return nil
	}

	ctx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()

	name, args := "ifconfig", []string{c.iface, state}
	if c.useSudo {
		name, args = "sudo", append([]string{"ifconfig"}, args...)
	}

	if _, err := c.run(ctx, name, args...); err != nil {
		return fmt.Errorf("radio %s %s: %w", c.iface, state, err)
	}

	c.logger.WithFields(logrus.Fields{
		"interface": c.iface,
		"state":     state,
	}).Info("Radio: Interface switched")
	return nil
}

func execRunner(ctx context.Context, name string, args ...string) (string, error) {
	var output bytes.Buffer
	command := exec.CommandContext(ctx, name, args...)
	command.Stdout = &output
	command.Stderr = &output

	if err := command.Run(); err != nil {
		return "", fmt.Errorf("%s %s: %w (output: %s)",
			name, strings.Join(args, " "), err, strings.TrimSpace(output.String()))
	}
	return output.String(), nil
}
