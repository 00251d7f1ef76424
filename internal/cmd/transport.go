package cmd

import (
	"github.com/cfxcluster/cfxctl/pkg/config"
	"github.com/cfxcluster/cfxctl/pkg/transport"
)

// buildTransport constructs the SSH transport described by cfg.
func buildTransport(cfg *config.Config) *transport.SSHTransport {
	return transport.New(transport.Config{
		Host:                       cfg.SSHHost,
		Port:                       cfg.SSHPort,
		User:                       cfg.SSHUser,
		Password:                   cfg.SSHPassword,
		KeyPath:                    cfg.SSHKey,
		RetryTimes:                 cfg.TransferRetryTimes,
		TransferTimeoutSeconds:     cfg.TransferTimeoutSeconds,
		EnableChecksumVerification: cfg.EnableChecksumVerification,
	})
}
