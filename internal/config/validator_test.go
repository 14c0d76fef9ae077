package config

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestValidateApplication(t *testing.T) {
	v := NewValidator()
	assert.NoError(t, v.ValidateApplication("ledger"))
	assert.NoError(t, v.ValidateApplication("ledger-eu_2"))
	assert.Error(t, v.ValidateApplication(""))
	assert.Error(t, v.ValidateApplication("Ledger"))
	assert.Error(t, v.ValidateApplication("9ledger"))
}

func TestValidatePort(t *testing.T) {
	v := NewValidator()
	assert.NoError(t, v.ValidatePort(1))
	assert.NoError(t, v.ValidatePort(65535))
	assert.Error(t, v.ValidatePort(0))
	assert.Error(t, v.ValidatePort(65536))
}

func TestValidateSharedSecret(t *testing.T) {
	v := NewValidator()
	assert.NoError(t, v.ValidateSharedSecret(""))
	assert.NoError(t, v.ValidateSharedSecret("0123456789abcdef"))
	assert.Error(t, v.ValidateSharedSecret("tooshort"))
}

func TestValidateEnums(t *testing.T) {
	v := NewValidator()

	for _, codec := range []string{"json", "cbor"} {
		assert.NoError(t, v.ValidateCodec(codec))
	}
	assert.Error(t, v.ValidateCodec(""))

	for _, transport := range []string{"http", "ws"} {
		assert.NoError(t, v.ValidateTransport(transport))
	}
	assert.Error(t, v.ValidateTransport("tcp"))

	for _, level := range []string{"debug", "info", "warn", "error"} {
		assert.NoError(t, v.ValidateLogLevel(level))
	}
	assert.Error(t, v.ValidateLogLevel("trace"))
}

func TestValidateConfig_CollectsEverything(t *testing.T) {
	cfg := validConfig(t)
	cfg.Server.Port = 0
	cfg.Client.Codec = "xml"
	cfg.Logging.Level = "loud"

	errs := NewValidator().ValidateConfig(cfg)
	assert.Len(t, errs, 3)
}
