package signer

import (
	"math/big"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/common/math"
	"github.com/ethereum/go-ethereum/core/types"
	"github.com/ethereum/go-ethereum/signer/core/apitypes"
)

const testPrivateKey = "59c6995e998f97a5a0044976f0945388cf9b7e5e5f4f9d2d9d8f1f5b7f6d11d1"

func TestNewLocalSignerFromEnvHex(t *testing.T) {
	t.Setenv(EnvPrivateKey, testPrivateKey)
	s, err := NewLocalSignerFromEnv(KeySourceEnv)
	if err != nil {
		t.Fatalf("NewLocalSignerFromEnv failed: %v", err)
	}
	if s.Address() == (common.Address{}) {
		t.Fatal("expected non-zero signer address")
	}
	tx := types.NewTx(&types.LegacyTx{
		Nonce:    0,
		To:       ptrAddress(common.HexToAddress("0x0000000000000000000000000000000000000001")),
		Value:    big.NewInt(0),
		Gas:      21_000,
		GasPrice: big.NewInt(1),
	})
	if _, err := s.SignTx(common.Big1, tx); err != nil {
		t.Fatalf("SignTx failed: %v", err)
	}
}

func TestNewLocalSignerFromEnvFile(t *testing.T) {
	dir := t.TempDir()
	keyFile := filepath.Join(dir, "key.txt")
	if err := os.WriteFile(keyFile, []byte(testPrivateKey), 0o600); err != nil {
		t.Fatalf("write key file: %v", err)
	}
	t.Setenv(EnvPrivateKeyFile, keyFile)

	s, err := NewLocalSignerFromEnv(KeySourceFile)
	if err != nil {
		t.Fatalf("NewLocalSignerFromEnv failed: %v", err)
	}
	if s.Address() == (common.Address{}) {
		t.Fatal("expected non-zero signer address")
	}
}

func TestNewLocalSignerFromEnvFileAllowsNonStrictPermissions(t *testing.T) {
	dir := t.TempDir()
	keyFile := filepath.Join(dir, "key.txt")
	if err := os.WriteFile(keyFile, []byte(testPrivateKey), 0o644); err != nil {
		t.Fatalf("write key file: %v", err)
	}
	t.Setenv(EnvPrivateKeyFile, keyFile)
	if _, err := NewLocalSignerFromEnv(KeySourceFile); err != nil {
		t.Fatalf("expected non-strict permission key file to load: %v", err)
	}
}

func TestNewLocalSignerFromEnvAutoUsesDefaultKeyFile(t *testing.T) {
	cfgDir := t.TempDir()
	keyDir := filepath.Join(cfgDir, "decaflow")
	keyFile := filepath.Join(keyDir, "key.hex")
	if err := os.MkdirAll(keyDir, 0o755); err != nil {
		t.Fatalf("create config dir: %v", err)
	}
	if err := os.WriteFile(keyFile, []byte(testPrivateKey), 0o644); err != nil {
		t.Fatalf("write key file: %v", err)
	}
	t.Setenv("XDG_CONFIG_HOME", cfgDir)
	t.Setenv(EnvPrivateKey, "")
	t.Setenv(EnvPrivateKeyFile, "")
	t.Setenv(EnvKeystorePath, "")

	s, err := NewLocalSignerFromEnv(KeySourceAuto)
	if err != nil {
		t.Fatalf("expected auto key-source to use default key path: %v", err)
	}
	if s.Address() == (common.Address{}) {
		t.Fatal("expected non-zero signer address")
	}
}

func TestNewLocalSignerFromInputsPrivateKeyOverride(t *testing.T) {
	t.Setenv(EnvPrivateKey, "")
	t.Setenv(EnvPrivateKeyFile, "")
	t.Setenv(EnvKeystorePath, "")

	s, err := NewLocalSignerFromInputs(KeySourceAuto, testPrivateKey)
	if err != nil {
		t.Fatalf("expected private key override to initialize signer: %v", err)
	}
	if s.Address() == (common.Address{}) {
		t.Fatal("expected non-zero signer address")
	}
}

func TestNewLocalSignerFromInputsOverrideWinsOverFileSource(t *testing.T) {
	t.Setenv(EnvPrivateKeyFile, "/tmp/does-not-exist")
	s, err := NewLocalSignerFromInputs(KeySourceFile, testPrivateKey)
	if err != nil {
		t.Fatalf("expected private key override to win over file key-source: %v", err)
	}
	if s.Address() == (common.Address{}) {
		t.Fatal("expected non-zero signer address")
	}
}

func TestNewLocalSignerFromInputsMissingKeyError(t *testing.T) {
	t.Setenv(EnvPrivateKey, "")
	t.Setenv(EnvPrivateKeyFile, "")
	t.Setenv(EnvKeystorePath, "")
	t.Setenv(EnvKeystorePassword, "")
	t.Setenv(EnvKeystorePasswordFile, "")
	t.Setenv("XDG_CONFIG_HOME", t.TempDir())

	_, err := NewLocalSignerFromInputs(KeySourceAuto, "")
	if err == nil {
		t.Fatal("expected missing key error")
	}
	if !strings.Contains(err.Error(), EnvPrivateKey) {
		t.Fatalf("expected missing key message to name %s, got: %s", EnvPrivateKey, err)
	}
}

func TestSignTypedData(t *testing.T) {
	t.Setenv(EnvPrivateKey, testPrivateKey)
	s, err := NewLocalSignerFromEnv(KeySourceEnv)
	if err != nil {
		t.Fatalf("NewLocalSignerFromEnv failed: %v", err)
	}

	data := apitypes.TypedData{
		Types: apitypes.Types{
			"EIP712Domain": {
				{Name: "name", Type: "string"},
				{Name: "version", Type: "string"},
				{Name: "chainId", Type: "uint256"},
				{Name: "verifyingContract", Type: "address"},
			},
			"Order": {
				{Name: "sellToken", Type: "address"},
				{Name: "buyToken", Type: "address"},
				{Name: "sellAmount", Type: "uint256"},
			},
		},
		PrimaryType: "Order",
		Domain: apitypes.TypedDataDomain{
			Name:              "Gnosis Protocol",
			Version:           "v2",
			ChainId:           math.NewHexOrDecimal256(42161),
			VerifyingContract: "0x9008D19f58AAbD9eD0D60971565AA8510560ab41",
		},
		Message: apitypes.TypedDataMessage{
			"sellToken":  "0x82aF49447D8a07e3bd95BD0d56f35241523fBab1",
			"buyToken":   "0xaf88d065e77c8cC2239327C5EDb3A432268e5831",
			"sellAmount": "1000000000000000000",
		},
	}
	sig, err := s.SignTypedData(data)
	if err != nil {
		t.Fatalf("SignTypedData failed: %v", err)
	}
	if !strings.HasPrefix(sig, "0x") || len(sig) != 132 {
		t.Fatalf("unexpected signature encoding: %s", sig)
	}
	// v must be on the 27/28 convention.
	v := sig[len(sig)-2:]
	if v != "1b" && v != "1c" {
		t.Fatalf("unexpected recovery id suffix: %s", v)
	}
}

func ptrAddress(v common.Address) *common.Address { return &v }
