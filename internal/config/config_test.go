package config

import (
	"bytes"
	"os"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const configFile = "../../.testing/relay.conf"

func fixHostKeyPath(data []byte) []byte {
	return bytes.Replace(data,
		[]byte("hostkey.pem"),
		[]byte("../../.testing/hostkey.pem"),
		1)
}

func prepareConfigFile(t *testing.T, modifierFunc func([]byte) []byte) string {
	t.Helper()
	file, err := os.CreateTemp("", "test_config")
	require.Nil(t, err)

	data, err := os.ReadFile(configFile)
	require.Nil(t, err)

	if modifierFunc != nil {
		data = modifierFunc(data)
	}

	err = os.WriteFile(file.Name(), data, 0o600)
	require.Nil(t, err)

	return file.Name()
}

func TestConfigFromFile(t *testing.T) {
	t.Run("valid", func(t *testing.T) {
		fileName := prepareConfigFile(t, fixHostKeyPath)
		defer os.Remove(fileName)

		cfg := Config{}
		err := cfg.FromFile(fileName)
		require.Nil(t, err)
		assert.Equal(t, "127.0.0.1:7003", cfg.ListenAddr)
		assert.Equal(t, 2, cfg.HopsPerTunnel)
		assert.Equal(t, 1024, cfg.FrameSize)
		assert.Equal(t, 10, cfg.MaxPeerFailures)
		assert.False(t, cfg.CoverTrafficEnabled)
		assert.NotNil(t, cfg.HostKey)
	})

	t.Run("unreadable", func(t *testing.T) {
		cfg := Config{}
		err := cfg.FromFile("nope")
		require.NotNil(t, err)
	})

	t.Run("missing hostkey entry", func(t *testing.T) {
		fileName := prepareConfigFile(t, func(data []byte) []byte {
			lines := strings.Split(string(data), "\n")
			out := make([]string, 0, len(lines))
			for _, line := range lines {
				if strings.HasPrefix(strings.TrimSpace(line), "hostkey") {
					continue
				}
				out = append(out, line)
			}
			return []byte(strings.Join(out, "\n"))
		})
		defer os.Remove(fileName)

		cfg := Config{}
		err := cfg.FromFile(fileName)
		require.NotNil(t, err)
	})

	t.Run("missing listen addr", func(t *testing.T) {
		fileName := prepareConfigFile(t, func(data []byte) []byte {
			data = fixHostKeyPath(data)
			return bytes.Replace(data, []byte("p2p_listen_addr = 127.0.0.1:7003"), []byte(""), 1)
		})
		defer os.Remove(fileName)

		cfg := Config{}
		err := cfg.FromFile(fileName)
		require.NotNil(t, err)
	})

	t.Run("pkcs8 hostkey", func(t *testing.T) {
		fileName := prepareConfigFile(t, func(data []byte) []byte {
			return bytes.Replace(data, []byte("hostkey.pem"), []byte("../../.testing/hostkey2.pem"), 1)
		})
		defer os.Remove(fileName)

		cfg := Config{}
		err := cfg.FromFile(fileName)
		require.Nil(t, err)
		assert.NotNil(t, cfg.HostKey)
	})
}
