package main

import (
	"errors"
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"

	"github.com/eliteGoblin/zapretdeck/internal/domain"
	"github.com/eliteGoblin/zapretdeck/internal/usecase"
)

func TestReport_ExitCodes(t *testing.T) {
	tests := []struct {
		name string
		err  error
		want int
	}{
		{"success", nil, domain.ExitOK},
		{"restart failure is a warning", &usecase.RestartError{Err: domain.NewError(domain.KindAuthFailed, "no cached credential", nil)}, domain.ExitOK},
		{"bad arguments", &usageError{errors.New("accepts 1 arg(s), received 0")}, domain.ExitInvalid},
		{"invalid strategy", domain.NewError(domain.KindInvalidStrategy, "nope.bat", nil), domain.ExitInvalid},
		{"precondition", fmt.Errorf("enable: %w", domain.NewError(domain.KindPreconditionFailed, "no strategy", nil)), domain.ExitInvalid},
		{"timeout", domain.NewError(domain.KindTimeout, "dns.sh", nil), domain.ExitTimeout},
		{"service never active", domain.NewError(domain.KindServiceStartTimeout, "", nil), domain.ExitTimeout},
		{"command failed", domain.CommandFailed("main_script.sh", 1, "nft: error"), domain.ExitFailure},
		{"plain error", errors.New("load settings: boom"), domain.ExitFailure},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, report(tt.err))
		})
	}
}

func TestCheckArgs_WrapsUsageErrors(t *testing.T) {
	err := serviceCmd.Args(serviceCmd, []string{"restart"})

	var uerr *usageError
	assert.ErrorAs(t, err, &uerr)
	assert.NoError(t, serviceCmd.Args(serviceCmd, []string{"enable"}))
}

func TestDNSSet_RejectsNone(t *testing.T) {
	assert.Error(t, dnsSetCmd.Args(dnsSetCmd, []string{"none"}))
	assert.NoError(t, dnsSetCmd.Args(dnsSetCmd, []string{"secondary"}))
}

func TestLabels(t *testing.T) {
	tests := []struct {
		state   domain.SessionState
		session string
		service string
	}{
		{domain.SessionState{}, "STOPPED", "not installed"},
		{domain.SessionState{BypassRunning: true, ServiceEnabled: true, ServiceActive: true}, "RUNNING", "enabled, active"},
		{domain.SessionState{ServiceEnabled: true}, "STOPPED", "enabled, inactive"},
		{domain.SessionState{BypassRunning: true, ServiceActive: true}, "RUNNING", "disabled, active"},
	}

	for _, tt := range tests {
		assert.Equal(t, tt.session, sessionLabel(tt.state))
		assert.Equal(t, tt.service, serviceLabel(tt.state))
	}
	assert.Equal(t, "(none)", strategyLabel(""))
	assert.Equal(t, "on", onOff(true))
}

func TestInterfaceCommands_Args(t *testing.T) {
	assert.Error(t, interfaceSelectCmd.Args(interfaceSelectCmd, nil))
	assert.NoError(t, interfaceSelectCmd.Args(interfaceSelectCmd, []string{"wlan0"}))
	assert.Error(t, interfaceListCmd.Args(interfaceListCmd, []string{"wlan0"}))
}

func TestInFlightLabel(t *testing.T) {
	assert.Equal(t, "", inFlightLabel(nil))
	assert.Equal(t, "start_session", inFlightLabel(&domain.Operation{Kind: domain.OpStartSession}))
}
