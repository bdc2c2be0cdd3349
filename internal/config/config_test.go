package config

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func baseEnv() EnvMap {
	return EnvMap{
		"RPC_URLS": "http://node-a:8545, http://node-b:8545",
		"CHAIN_ID": "11155111",
	}
}

func TestLoad_Defaults(t *testing.T) {
	cfg, err := Load(baseEnv())
	require.NoError(t, err)

	assert.Equal(t, []string{"http://node-a:8545", "http://node-b:8545"}, cfg.RPCURLs)
	assert.Equal(t, uint64(11155111), cfg.ChainID)
	assert.Equal(t, "evm", cfg.ChainKind)
	assert.Equal(t, 100*time.Millisecond, cfg.LockPollInterval)
	assert.Equal(t, 50*time.Second, cfg.LockTimeout)
	assert.Equal(t, 15*time.Second, cfg.RecoverableDelay)
	assert.Equal(t, ScannerModeStandalone, cfg.ScannerMode)
	assert.Equal(t, ShardBackendSQLite, cfg.ShardBackend)
	assert.Equal(t, []string{"shard-0"}, cfg.Shards)
	assert.Equal(t, "txrelay", cfg.KafkaTopicPrefix)
	assert.Empty(t, cfg.WorkerKeys)
	assert.Equal(t, -1, cfg.ScanWorkerReplica)
	assert.Equal(t, uint64(64), cfg.LateSettleBlocks)
}

func TestLoad_ScanWorkerReplica(t *testing.T) {
	env := baseEnv()
	env["SCANNER_MODE"] = "worker"
	env["SCAN_WORKER_REPLICA"] = "1"

	cfg, err := Load(env)
	require.NoError(t, err)
	assert.Equal(t, ScannerModeWorker, cfg.ScannerMode)
	assert.Equal(t, 1, cfg.ScanWorkerReplica)
}

func TestLoad_Pairs(t *testing.T) {
	env := baseEnv()
	env["WORKER_KEYS"] = "hot-1=0xabc,hot-2=def"
	env["WORKER_DISABLED"] = "hot-2"
	env["SHARDS"] = "a,b"
	env["CLIENT_SHARDS"] = "acme=b"
	env["TRACKED_CONTRACTS"] = "0xToken=acme"

	cfg, err := Load(env)
	require.NoError(t, err)
	assert.Equal(t, map[string]string{"hot-1": "0xabc", "hot-2": "def"}, cfg.WorkerKeys)
	assert.True(t, cfg.WorkerDisabled["hot-2"])
	assert.False(t, cfg.WorkerDisabled["hot-1"])
	assert.Equal(t, map[string]string{"acme": "b"}, cfg.ClientShards)
	assert.Equal(t, map[string]string{"0xToken": "acme"}, cfg.TrackedContracts)
}

func TestLoad_Errors(t *testing.T) {
	cases := map[string]func(EnvMap){
		"missing rpc":      func(e EnvMap) { delete(e, "RPC_URLS") },
		"missing chain":    func(e EnvMap) { delete(e, "CHAIN_ID") },
		"bad duration":     func(e EnvMap) { e["LOCK_TIMEOUT"] = "soon" },
		"bad mode":         func(e EnvMap) { e["SCANNER_MODE"] = "turbo" },
		"bad backend":      func(e EnvMap) { e["SHARD_BACKEND"] = "postgres" },
		"bad pair":         func(e EnvMap) { e["WORKER_KEYS"] = "hot-1" },
		"unknown shard":    func(e EnvMap) { e["CLIENT_SHARDS"] = "acme=missing" },
		"bad sample rate":  func(e EnvMap) { e["OTEL_SAMPLE_RATIO"] = "2" },
		"replica too high": func(e EnvMap) { e["SCAN_WORKER_REPLICA"] = "2" },
		"replica negative": func(e EnvMap) { e["SCAN_WORKER_REPLICA"] = "-3" },
	}
	for name, mutate := range cases {
		t.Run(name, func(t *testing.T) {
			env := baseEnv()
			mutate(env)
			_, err := Load(env)
			assert.Error(t, err)
		})
	}
}

func TestLoad_NilSource(t *testing.T) {
	_, err := Load(nil)
	assert.Error(t, err)
}
