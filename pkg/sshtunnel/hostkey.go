package sshtunnel

import (
	"errors"
	"fmt"

	"github.com/benmeehan/tunnel-agent/pkg/file"
	"github.com/rs/zerolog"
	"golang.org/x/crypto/ssh"
	"golang.org/x/crypto/ssh/knownhosts"
)

// LoadSigner reads and parses the agent's private key.
func LoadSigner(fileClient file.FileOperations, privateKeyPath string) (ssh.Signer, error) {
	key, err := fileClient.ReadFileRaw(privateKeyPath)
	if err != nil {
		return nil, fmt.Errorf("failed to read SSH private key: %w", err)
	}

	signer, err := ssh.ParsePrivateKey(key)
	if err != nil {
		return nil, fmt.Errorf("failed to parse SSH private key: %w", err)
	}
	return signer, nil
}

// HostKeyCallback picks the host key policy: a pinned server key if one is
// configured, then a known_hosts file, and finally no verification.
func HostKeyCallback(fileClient file.FileOperations, serverPublicKeyPath, knownHostsPath string, logger zerolog.Logger) (ssh.HostKeyCallback, error) {
	if serverPublicKeyPath != "" {
		serverKey, err := fileClient.ReadFileRaw(serverPublicKeyPath)
		if err != nil {
			return nil, fmt.Errorf("failed to read SSH server public key: %w", err)
		}
		if len(serverKey) == 0 {
			return nil, fmt.Errorf("invalid SSH server public key: %w", errors.New("empty public key file"))
		}

		publicKey, _, _, _, err := ssh.ParseAuthorizedKey(serverKey)
		if err != nil {
			return nil, fmt.Errorf("failed to parse SSH server public key: %w", err)
		}
		logger.Debug().Str("path", serverPublicKeyPath).Msg("Pinning SSH server public key")
		return ssh.FixedHostKey(publicKey), nil
	}

	if knownHostsPath != "" {
		callback, err := knownhosts.New(knownHostsPath)
		if err != nil {
			return nil, fmt.Errorf("failed to load known_hosts: %w", err)
		}
		return callback, nil
	}

	logger.Warn().Msg("No server key or known_hosts configured, host key verification is disabled")
	return ssh.InsecureIgnoreHostKey(), nil
}
