package main

import (
	"bytes"
	"os"
	"path/filepath"
	"testing"

	"github.com/goccy/go-json"
	"github.com/inoxlang/tjit/internal/codestore"
	"github.com/inoxlang/tjit/internal/template"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const TEST_METHODS = `
methods:
  - holder: demo/Sample
    name: m10
    static: true
    result: int
    max-locals: 0
    max-stack: 1
    code: |
      iconst 10
      ireturn
  - holder: demo/Sample
    name: m2
    static: true
    params: [ref]
    result: ref
    max-locals: 1
    max-stack: 1
    code: |
      aload 0
      invokestatic 0
      areturn
    pool:
      - {kind: method, holder: demo/Sample, name: id, static: true, params: [ref], result: ref, loaded: true, initialized: true}
`

type testEnv struct {
	dir        string
	configPath string
	methods    string
	store      string
}

func newTestEnv(t *testing.T, configContent string) testEnv {
	dir := t.TempDir()
	env := testEnv{
		dir:        dir,
		configPath: filepath.Join(dir, "config.yaml"),
		methods:    filepath.Join(dir, "sample.tjit.yaml"),
		store:      filepath.Join(dir, "code.db"),
	}
	require.NoError(t, os.WriteFile(env.configPath, []byte("log-level: error\n"+configContent), 0o600))
	require.NoError(t, os.WriteFile(env.methods, []byte(TEST_METHODS), 0o600))
	return env
}

func run(args ...string) (int, string, string) {
	var out, err bytes.Buffer
	status := _main(append([]string{COMMAND_NAME}, args...), &out, &err)
	return status, out.String(), err.String()
}

func TestCommandDispatch(t *testing.T) {

	t.Run("help", func(t *testing.T) {
		status, out, _ := run("help")
		assert.Zero(t, status)
		assert.Contains(t, out, "commands:")
		assert.Contains(t, out, DEOPT_DEMO_SUBCMD)

		status, out, _ = run("--help")
		assert.Zero(t, status)
		assert.Contains(t, out, "commands:")
	})

	t.Run("command-specific help", func(t *testing.T) {
		status, out, _ := run("help", "compile")
		assert.Zero(t, status)
		assert.Contains(t, out, CLI_SUBCOMMAND_DESCRIPTION_MAP[COMPILE_SUBCMD])
		assert.Contains(t, out, "-store-path")
	})

	t.Run("no command", func(t *testing.T) {
		status, _, errOut := run()
		assert.Equal(t, ERROR_STATUS_CODE, status)
		assert.Contains(t, errOut, "commands:")
	})

	t.Run("unknown command close to a command", func(t *testing.T) {
		status, _, errOut := run("inspet")
		assert.Equal(t, ERROR_STATUS_CODE, status)
		assert.Contains(t, errOut, "did you mean 'inspect' ?")
	})

	t.Run("unknown command", func(t *testing.T) {
		status, _, errOut := run("xyzxyzxyz")
		assert.Equal(t, ERROR_STATUS_CODE, status)
		assert.Contains(t, errOut, "unknown command 'xyzxyzxyz'")
		assert.NotContains(t, errOut, "did you mean")
	})
}

func TestCompile(t *testing.T) {

	t.Run("summary", func(t *testing.T) {
		env := newTestEnv(t, "")

		status, out, errOut := run(COMPILE_SUBCMD, "-config", env.configPath, env.methods)
		require.Zero(t, status, errOut)
		assert.Contains(t, out, "demo/Sample.m10()int  jit/amd64")
		assert.Contains(t, out, "demo/Sample.m2(ref)ref  jit/amd64")
		assert.Contains(t, out, "1 direct, 0 indirect, 0 safepoints")
		assert.Contains(t, out, "direct call demo/Sample.id(ref)ref")
	})

	t.Run("platform override", func(t *testing.T) {
		env := newTestEnv(t, "")

		status, out, errOut := run(COMPILE_SUBCMD, "-config", env.configPath, "-platform", "aarch64", env.methods)
		require.Zero(t, status, errOut)
		assert.Contains(t, out, "jit/aarch64")

		status, _, errOut = run(COMPILE_SUBCMD, "-config", env.configPath, "-platform", "mips", env.methods)
		assert.Equal(t, ERROR_STATUS_CODE, status)
		assert.Contains(t, errOut, "mips")
	})

	t.Run("JSON records", func(t *testing.T) {
		env := newTestEnv(t, "")

		status, out, errOut := run(COMPILE_SUBCMD, "-config", env.configPath, "-json", env.methods)
		require.Zero(t, status, errOut)

		var records []codestore.Record
		require.NoError(t, json.Unmarshal([]byte(out), &records))
		require.Len(t, records, 2)
		assert.Equal(t, "demo/Sample.m10()int", records[0].Method)
		assert.NoError(t, records[1].Validate())
	})

	t.Run("missing file argument", func(t *testing.T) {
		env := newTestEnv(t, "")

		status, _, errOut := run(COMPILE_SUBCMD, "-config", env.configPath)
		assert.Equal(t, ERROR_STATUS_CODE, status)
		assert.Contains(t, errOut, "missing method file path")
	})

	t.Run("invalid configuration", func(t *testing.T) {
		env := newTestEnv(t, "template-slots: -3\n")

		status, _, errOut := run(COMPILE_SUBCMD, "-config", env.configPath, env.methods)
		assert.Equal(t, ERROR_STATUS_CODE, status)
		assert.Contains(t, errOut, "template-slots")
	})

	t.Run("untranslatable method", func(t *testing.T) {
		env := newTestEnv(t, "")
		require.NoError(t, os.WriteFile(env.methods, []byte(`
methods:
  - holder: demo/Sample
    name: raw
    static: true
    params: [word]
    max-locals: 1
    max-stack: 1
    code: |
      return
`), 0o600))

		status, _, errOut := run(COMPILE_SUBCMD, "-config", env.configPath, env.methods)
		assert.Equal(t, ERROR_STATUS_CODE, status)
		assert.Contains(t, errOut, "demo/Sample.raw")
	})
}

func TestStoreAndInspect(t *testing.T) {
	env := newTestEnv(t, "code-store: "+filepath.Join(t.TempDir(), "configured.db")+"\n")

	status, _, errOut := run(INSPECT_SUBCMD, "-config", env.configPath, "-store-path", env.store)
	assert.Equal(t, ERROR_STATUS_CODE, status)
	assert.Contains(t, errOut, "no code store")

	status, _, errOut = run(COMPILE_SUBCMD, "-config", env.configPath, "-store", "-store-path", env.store, env.methods)
	require.Zero(t, status, errOut)
	assert.Contains(t, errOut, "2 method(s) stored in "+env.store)

	t.Run("listing", func(t *testing.T) {
		status, out, errOut := run(INSPECT_SUBCMD, "-config", env.configPath, "-store-path", env.store)
		require.Zero(t, status, errOut)
		assert.Contains(t, out, "2 record(s)")

		//natural order
		m2 := bytes.Index([]byte(out), []byte("demo/Sample.m2(ref)ref"))
		m10 := bytes.Index([]byte(out), []byte("demo/Sample.m10()int"))
		require.True(t, m2 >= 0 && m10 >= 0)
		assert.Less(t, m2, m10)
	})

	t.Run("records of a method", func(t *testing.T) {
		status, out, errOut := run(INSPECT_SUBCMD, "-config", env.configPath, "-store-path", env.store, "-json", "-method", "demo/Sample.m10()int")
		require.Zero(t, status, errOut)

		var records []codestore.Record
		require.NoError(t, json.Unmarshal([]byte(out), &records))
		require.Len(t, records, 1)
		assert.Equal(t, "demo/Sample.m10()int", records[0].Method)
	})

	t.Run("the configured store is used by default", func(t *testing.T) {
		status, _, errOut := run(INSPECT_SUBCMD, "-config", env.configPath)
		assert.Equal(t, ERROR_STATUS_CODE, status)
		assert.Contains(t, errOut, "configured.db")
	})
}

func TestCatalog(t *testing.T) {
	status, out, errOut := run(CATALOG_SUBCMD, "-platform", "aarch64")
	require.Zero(t, status, errOut)

	lib, err := template.ParseCatalog([]byte(out))
	require.NoError(t, err)
	assert.Positive(t, lib.Len())

	path := filepath.Join(t.TempDir(), "catalog.yaml")
	status, _, errOut = run(CATALOG_SUBCMD, "-o", path)
	require.Zero(t, status, errOut)
	assert.FileExists(t, path)
}

func TestConfigCommand(t *testing.T) {
	env := newTestEnv(t, "platform: aarch64\n")

	status, out, errOut := run(CONFIG_SUBCMD, "-config", env.configPath)
	require.Zero(t, status, errOut)
	assert.Contains(t, out, "# "+env.configPath)
	assert.Contains(t, out, "platform: aarch64")
	assert.Contains(t, out, "log-level: error")
}

func TestDeoptDemo(t *testing.T) {

	t.Run("return from an inlined call", func(t *testing.T) {
		env := newTestEnv(t, "")

		status, out, errOut := run(DEOPT_DEMO_SUBCMD, "-config", env.configPath)
		require.Zero(t, status, errOut)
		assert.Contains(t, out, "-> committed (attempt 1)")
		assert.Contains(t, out, "occurrence: return, stop: 0, frames: 2, retries: 0, reexecute: false, adapter: true")
	})

	t.Run("collections during the rebuild", func(t *testing.T) {
		env := newTestEnv(t, "")

		status, out, errOut := run(DEOPT_DEMO_SUBCMD, "-config", env.configPath, "-collections", "2", "-backoff", "constant")
		require.Zero(t, status, errOut)
		assert.Contains(t, out, "collection 2: argument moved to 0x2a0")
		assert.Contains(t, out, "retries: 2")
		assert.Contains(t, out, "0x2a0 (ref)")
	})

	t.Run("safepoint", func(t *testing.T) {
		env := newTestEnv(t, "platform: aarch64\n")

		status, out, errOut := run(DEOPT_DEMO_SUBCMD, "-config", env.configPath, "-occurrence", "safepoint")
		require.Zero(t, status, errOut)
		assert.Contains(t, out, "occurrence: safepoint, stop: 2, frames: 1, retries: 0, reexecute: true")
	})

	t.Run("pending exceptions", func(t *testing.T) {
		env := newTestEnv(t, "")

		status, out, errOut := run(DEOPT_DEMO_SUBCMD, "-config", env.configPath, "-exception", "caught")
		require.Zero(t, status, errOut)
		assert.Contains(t, out, "handled by a rebuilt frame")

		status, out, errOut = run(DEOPT_DEMO_SUBCMD, "-config", env.configPath, "-exception", "uncaught")
		require.Zero(t, status, errOut)
		assert.Contains(t, out, "propagated to the caller")
	})

	t.Run("invalid occurrence", func(t *testing.T) {
		env := newTestEnv(t, "")

		status, _, errOut := run(DEOPT_DEMO_SUBCMD, "-config", env.configPath, "-occurrence", "jump")
		assert.Equal(t, ERROR_STATUS_CODE, status)
		assert.Contains(t, errOut, "invalid occurrence")
	})
}
