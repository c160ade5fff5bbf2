package sshconn

import (
	"fmt"
	"net"
	"os"
	"path/filepath"

	"golang.org/x/crypto/ssh"
	"golang.org/x/crypto/ssh/agent"
	"golang.org/x/crypto/ssh/knownhosts"

	"shellbridge/config"
)

// buildAuthMethods assembles an ordered list of SSH authentication
// methods from in-memory credentials.  Unlike an interactive client,
// nothing here prompts: the upstream caller supplies already-validated
// material per call.
func buildAuthMethods(creds *config.Credentials) ([]ssh.AuthMethod, error) {
	var methods []ssh.AuthMethod

	// 1. Private key (PEM text, optionally passphrase-protected).
	if creds.PrivateKey != "" {
		m, err := privateKeyAuth(creds.PrivateKey, creds.Passphrase)
		if err != nil {
			return nil, fmt.Errorf("private key: %w", err)
		}
		methods = append(methods, m)
	}

	// 2. Password.
	if creds.Password != "" {
		methods = append(methods, ssh.Password(creds.Password))
	}

	// 3. Fallback: a running SSH agent, if one is reachable.  This is
	// only hit from the CLI test mode; API calls always carry
	// explicit credentials.
	if len(methods) == 0 {
		if m, err := agentAuth(); err == nil {
			methods = append(methods, m)
		}
	}

	if len(methods) == 0 {
		return nil, fmt.Errorf("no authentication method available: supply password or privateKey")
	}
	return methods, nil
}

func privateKeyAuth(pem, passphrase string) (ssh.AuthMethod, error) {
	data := []byte(pem)
	signer, err := ssh.ParsePrivateKey(data)
	if err != nil {
		if _, ok := err.(*ssh.PassphraseMissingError); ok {
			if passphrase == "" {
				return nil, fmt.Errorf("key is encrypted and no passphrase was supplied")
			}
			signer, err = ssh.ParsePrivateKeyWithPassphrase(data, []byte(passphrase))
			if err != nil {
				return nil, fmt.Errorf("decrypting key: %w", err)
			}
		} else {
			return nil, fmt.Errorf("parsing key: %w", err)
		}
	}
	return ssh.PublicKeys(signer), nil
}

func agentAuth() (ssh.AuthMethod, error) {
	sock := os.Getenv("SSH_AUTH_SOCK")
	if sock == "" {
		return nil, fmt.Errorf("SSH_AUTH_SOCK is not set")
	}
	conn, err := net.Dial("unix", sock)
	if err != nil {
		return nil, fmt.Errorf("connecting to agent at %s: %w", sock, err)
	}
	return ssh.PublicKeysCallback(agent.NewClient(conn).Signers), nil
}

// hostKeyCallback returns the verification policy.  Host key checking
// is off unless the caller asks for it: the upstream layer has already
// vetted the hosts it hands us.
func hostKeyCallback(strict bool, knownHostsPath string) (ssh.HostKeyCallback, error) {
	if !strict {
		//nolint:gosec // caller owns host vetting
		return ssh.InsecureIgnoreHostKey(), nil
	}

	khFile := knownHostsPath
	if khFile == "" {
		home, err := os.UserHomeDir()
		if err != nil {
			return nil, fmt.Errorf("locating home directory: %w", err)
		}
		khFile = filepath.Join(home, ".ssh", "known_hosts")
	}

	cb, err := knownhosts.New(khFile)
	if err != nil {
		return nil, fmt.Errorf("loading known_hosts from %s: %w", khFile, err)
	}
	return cb, nil
}
