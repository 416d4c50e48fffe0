package keysync

import (
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func defaultTestConfig() Config {
	return Config{
		PlatformProfile:          "nitro",
		CommitteeRPCURL:          "http://127.0.0.1:8545",
		CommitteeRegistryAddr:    "0x0000000000000000000000000000000000000001",
		MinSigners:               2,
		MaxAttestationAge:        2 * time.Minute,
		PoolListenAddr:           "127.0.0.1:0",
		ControlListenAddr:        "127.0.0.1:0",
		HandshakeTimeout:         5 * time.Second,
		DevAttester:              true,
		InsecureAllowDevAttester: true,
	}
}

func createTestEnclave(t *testing.T, cfg Config) *Enclave {
	t.Helper()
	logger, err := NewProductionLogger(true)
	require.NoError(t, err)
	e, err := NewEnclave(&cfg, newFakeChainReader(true), logger)
	require.NoError(t, err)
	return e
}

func TestValidateConfig(t *testing.T) {
	var c Config
	require.Error(t, c.Validate(), "validation of an empty config must fail")

	c.PlatformProfile = "nitro"
	require.Error(t, c.Validate(), "validation of a partially-populated config must fail")

	c = defaultTestConfig()
	require.NoError(t, c.Validate())
}

func TestValidateConfigRejectsUnconfirmedDevAttester(t *testing.T) {
	c := defaultTestConfig()
	c.InsecureAllowDevAttester = false
	require.Error(t, c.Validate())
}

func TestNewEnclaveReadiness(t *testing.T) {
	e := createTestEnclave(t, defaultTestConfig())

	select {
	case <-e.WaitReady():
		t.Fatal("enclave reported ready before Ready() was called")
	default:
	}

	e.Ready()
	select {
	case <-e.WaitReady():
	default:
		t.Fatal("enclave did not report ready after Ready() was called")
	}
}

func TestEnclaveCloseIsIdempotentAndObservable(t *testing.T) {
	e := createTestEnclave(t, defaultTestConfig())

	require.False(t, e.Closed())
	require.NoError(t, e.Close())
	require.True(t, e.Closed())
	require.Error(t, e.Close(), "a second Close must fail")
}

func TestSecretStateStoreLifecycle(t *testing.T) {
	s := NewSecretStateStore(nil)
	require.False(t, s.Installed())
	_, err := s.Export()
	require.Error(t, err)

	require.NoError(t, s.Install(SecretState("hello")))
	require.True(t, s.Installed())
	require.Error(t, s.Install(SecretState("again")), "a second Install must fail")

	got, err := s.Export()
	require.NoError(t, err)
	require.Equal(t, "hello", string(got))
}
