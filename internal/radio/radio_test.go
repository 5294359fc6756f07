package radio

import (
	"context"
	"errors"
	"io"
	"strings"
	"testing"

	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func quietLogger() *logrus.Logger {
	logger := logrus.New()
	logger.SetOutput(io.Discard)
	return logger
}

type recordingRunner struct {
	calls []string
	err   error
}

func (r *recordingRunner) run(_ context.Context, name string, args ...string) (string, error) {
	r.calls = append(r.calls, name+" "+strings.Join(args, " "))
	return "", r.err
}

func TestUpDownWithSudo(t *testing.T) {
	runner := &recordingRunner{}
	controller := NewController("wlan0", true, quietLogger())
	controller.SetRunner(runner.run)

	require.NoError(t, controller.Up(context.Background()))
	require.NoError(t, controller.Down(context.Background()))

	assert.Equal(t, []string{
		"sudo ifconfig wlan0 up",
		"sudo ifconfig wlan0 down",
	}, runner.calls)
}

func TestUpWithoutSudo(t *testing.T) {
	runner := &recordingRunner{}
	controller := NewController("eth1", false, quietLogger())
	controller.SetRunner(runner.run)

	require.NoError(t, controller.Up(context.Background()))
	assert.Equal(t, []string{"ifconfig eth1 up"}, runner.calls)
}

func TestDisabledControllerRunsNothing(t *testing.T) {
	runner := &recordingRunner{}
	controller := NewController("", true, quietLogger())
	controller.SetRunner(runner.run)

	assert.False(t, controller.Enabled())
	require.NoError(t, controller.Up(context.Background()))
	require.NoError(t, controller.Down(context.Background()))
	assert.Empty(t, runner.calls)

	var nilController *Controller
	assert.False(t, nilController.Enabled())
}

func TestRunnerFailureIsReturned(t *testing.T) {
	runner := &recordingRunner{err: errors.New("permission denied")}
	controller := NewController("wlan0", true, quietLogger())
	controller.SetRunner(runner.run)

	err := controller.Up(context.Background())
	require.Error(t, err)
	assert.Contains(t, err.Error(), "wlan0 up")
	assert.Contains(t, err.Error(), "permission denied")
}

func TestExecRunnerReportsMissingCommand(t *testing.T) {
	_, err := execRunner(context.Background(), "definitely-not-a-command-on-path")
	assert.Error(t, err)
}
