package verify

import (
	"context"
	"errors"
	"os"
	"os/exec"
	"path/filepath"
	"runtime"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"reprolock/internal/digest"
	"reprolock/internal/fsys"
	"reprolock/internal/lock"
	"reprolock/internal/policy"
	"reprolock/internal/stdoutlock"
)

const writeArtifact = `mkdir -p "$DATA_ROOT/telemetry" && printf '{"constants_ref":"c","schema":"R.v1","ts":%s,"value":%s}' "$$" "$VAL" > "$DATA_ROOT/telemetry/r.json"`

func skipOnWindows(t *testing.T) {
	t.Helper()
	if runtime.GOOS == "windows" {
		t.Skip("producers run through sh")
	}
}

func policies(t *testing.T) *policy.Registry {
	t.Helper()
	reg := policy.NewRegistry()
	require.NoError(t, reg.Register(&policy.Policy{Schema: "R.v1", Strip: []string{"ts"}}))
	return reg
}

func producer(val string) Producer {
	return Producer{Command: writeArtifact, Env: map[string]string{"VAL": val}}
}

// golden runs p once and commits its bundle, returning the artifact root and
// bundle path.
func golden(t *testing.T, p Producer) (string, string) {
	t.Helper()
	dir := t.TempDir()
	_, err := p.Run(context.Background(), dir, 0, 0)
	require.NoError(t, err)
	root := fsys.OS(dir)
	res, err := lock.NewBuilder(root, policies(t)).Build(context.Background())
	require.NoError(t, err)
	_, err = lock.WriteBundle(root, "golden.json", res.Bundle, nil)
	require.NoError(t, err)
	return dir, filepath.Join(dir, "golden.json")
}

func scratchDir(t *testing.T) string {
	return filepath.Join(t.TempDir(), "scratch")
}

func TestVerify_SameProducerIsVerifiedEqual(t *testing.T) {
	skipOnWindows(t)
	_, bundle := golden(t, producer("1.5"))

	res, err := New().Verify(context.Background(), Request{
		Producer: producer("1.5"),
		Golden:   bundle,
		Scratch:  scratchDir(t),
		Policies: policies(t),
	})
	require.NoError(t, err)
	assert.Equal(t, StatusEqual, res.Status)
	assert.Equal(t, res.GoldenDigest, res.CurrentDigest)
	assert.NoError(t, res.Err())
}

func TestVerify_NonVolatileChangeIsDriftNamingTheArtifact(t *testing.T) {
	skipOnWindows(t)
	goldenRoot, bundle := golden(t, producer("1.5"))

	res, err := New().Verify(context.Background(), Request{
		Producer:   producer("1.6"),
		Golden:     bundle,
		GoldenRoot: goldenRoot,
		Scratch:    scratchDir(t),
		Policies:   policies(t),
	})
	require.NoError(t, err)
	require.Equal(t, StatusDrift, res.Status)
	require.Len(t, res.Drift.Mismatches, 1)

	m := res.Drift.Mismatches[0]
	assert.Equal(t, "telemetry/r.lock.json", m.Path)
	assert.Equal(t, "telemetry/r.json", m.Artifact)
	assert.Equal(t, []string{"value"}, m.Fields)
	assert.NotEqual(t, m.Expected, m.Actual)

	err = res.Err()
	assert.ErrorIs(t, err, ErrDriftDetected)
	assert.Contains(t, err.Error(), "telemetry/r.lock.json")
	assert.Contains(t, err.Error(), m.Expected)
}

func TestVerify_ProducerTimeoutLeavesScratch(t *testing.T) {
	skipOnWindows(t)
	_, bundle := golden(t, producer("1"))
	scratch := scratchDir(t)

	start := time.Now()
	res, err := New().Verify(context.Background(), Request{
		Producer: Producer{Command: `touch "$DATA_ROOT/partial"; sleep 30`},
		Golden:   bundle,
		Scratch:  scratch,
		Policies: policies(t),
		Timeout:  500 * time.Millisecond,
	})
	require.NoError(t, err)
	assert.Less(t, time.Since(start), 10*time.Second, "the whole process group must be killed")
	require.Equal(t, StatusProducerFailed, res.Status)
	assert.Equal(t, ReasonTimeout, res.Producer.Reason)

	_, err = os.Stat(filepath.Join(scratch, "partial"))
	assert.NoError(t, err, "scratch root must be left for inspection")
}

func TestVerify_ProducerExitCodeCarriesOutputTail(t *testing.T) {
	skipOnWindows(t)
	_, bundle := golden(t, producer("1"))

	res, err := New().Verify(context.Background(), Request{
		Producer:  Producer{Command: `echo starting; printf 'xxxxxxxxxxboom' >&2; exit 7`},
		Golden:    bundle,
		Scratch:   scratchDir(t),
		Policies:  policies(t),
		TailBytes: 4,
	})
	require.NoError(t, err)
	require.Equal(t, StatusProducerFailed, res.Status)
	assert.Equal(t, ReasonExitCode, res.Producer.Reason)
	assert.Equal(t, 7, res.Producer.ExitCode)
	assert.Equal(t, "boom", res.Producer.StderrTail)
	assert.Equal(t, "ing\n", res.Producer.StdoutTail)

	var pe *ProducerError
	assert.ErrorAs(t, res.Err(), &pe)
}

func TestVerify_MissingAndExtraArtifacts(t *testing.T) {
	skipOnWindows(t)
	_, bundle := golden(t, producer("1"))

	res, err := New().Verify(context.Background(), Request{
		Producer: Producer{Command: `mkdir -p "$DATA_ROOT/telemetry" && printf '{"constants_ref":"c","schema":"R.v1"}' > "$DATA_ROOT/telemetry/other.json"`},
		Golden:   bundle,
		Scratch:  scratchDir(t),
		Policies: policies(t),
		Lock:     lock.Config{Mode: lock.ModeStrict, StrictCanonical: true, MissingField: lock.MissingIgnore, BundleSchema: lock.DefaultBundleSchema},
	})
	require.NoError(t, err)
	require.Equal(t, StatusDrift, res.Status)
	assert.Equal(t, []string{"telemetry/r.lock.json"}, res.Drift.Missing)
	assert.Equal(t, []string{"telemetry/other.lock.json"}, res.Drift.Extra)
	assert.ErrorIs(t, res.Err(), ErrMissingArtifact)
	assert.ErrorIs(t, res.Err(), ErrExtraArtifact)
}

func TestVerify_RefusesDirtyOrBusyScratch(t *testing.T) {
	skipOnWindows(t)
	_, bundle := golden(t, producer("1"))
	scratch := scratchDir(t)
	require.NoError(t, os.MkdirAll(scratch, 0o755))
	require.NoError(t, os.WriteFile(filepath.Join(scratch, "leftover"), []byte("x"), 0o644))

	req := Request{Producer: producer("1"), Golden: bundle, Scratch: scratch, Policies: policies(t)}
	_, err := New().Verify(context.Background(), req)
	assert.ErrorIs(t, err, ErrScratchNotEmpty)

	held, err := acquireScratchLock(scratch + ".lock")
	require.NoError(t, err)
	req.Clean = true
	_, err = New().Verify(context.Background(), req)
	assert.ErrorIs(t, err, ErrScratchBusy)
	require.NoError(t, held.Release())

	res, err := New().Verify(context.Background(), req)
	require.NoError(t, err)
	assert.Equal(t, StatusEqual, res.Status)
}

func TestVerify_RemoveScratchAfterSuccess(t *testing.T) {
	skipOnWindows(t)
	_, bundle := golden(t, producer("1"))
	scratch := scratchDir(t)

	res, err := New().Verify(context.Background(), Request{
		Producer: producer("1"), Golden: bundle, Scratch: scratch, Policies: policies(t), RemoveScratch: true,
	})
	require.NoError(t, err)
	require.Equal(t, StatusEqual, res.Status)
	_, err = os.Stat(scratch)
	assert.True(t, os.IsNotExist(err))
}

func TestVerify_CorruptOrTamperedGolden(t *testing.T) {
	skipOnWindows(t)
	dir := t.TempDir()
	bad := filepath.Join(dir, "bad.json")
	require.NoError(t, os.WriteFile(bad, []byte(`{"schema":"Bundle.v1","files":{}}`), 0o644))
	_, err := New().Verify(context.Background(), Request{Producer: producer("1"), Golden: bad, Scratch: scratchDir(t)})
	assert.ErrorIs(t, err, lock.ErrCorruptBundle)

	good := filepath.Join(dir, "good.json")
	data := []byte(`{"files":{},"schema":"Bundle.v1"}`)
	require.NoError(t, os.WriteFile(good, data, 0o644))
	require.NoError(t, os.WriteFile(good+lock.SigSuffix, lock.Sign(data, []byte("k1")), 0o644))
	_, err = New().Verify(context.Background(), Request{Producer: producer("1"), Golden: good, Scratch: scratchDir(t), Secret: []byte("k2")})
	assert.ErrorIs(t, err, lock.ErrBadSignature)
}

func TestVerify_StdoutLockMismatchIsDrift(t *testing.T) {
	skipOnWindows(t)
	_, bundle := golden(t, producer("1"))
	lockRoot := t.TempDir()
	_, err := stdoutlock.Write(fsys.OS(lockRoot), "locks", "bench", []byte("root_ok=True\n"), nil)
	require.NoError(t, err)

	p := producer("1")
	p.Command += "; echo root_ok=False"
	res, err := New().Verify(context.Background(), Request{
		Producer:       p,
		Golden:         bundle,
		Scratch:        scratchDir(t),
		Policies:       policies(t),
		StdoutLock:     filepath.Join(lockRoot, "locks", "bench_lock.sha256"),
		StdoutLockRoot: lockRoot,
	})
	require.NoError(t, err)
	require.Equal(t, StatusDrift, res.Status)
	require.Len(t, res.Drift.Stdout, 1)
	assert.Equal(t, "locks/bench_out.txt", res.Drift.Stdout[0].Path)
	assert.Empty(t, res.Drift.Mismatches)
}

func TestProducer_EnvironmentIsAllowlisted(t *testing.T) {
	skipOnWindows(t)
	t.Setenv("REPROLOCK_LEAK", "secret")
	p := Producer{Command: "env", Env: map[string]string{"EXTRA": "1", "TZ": "Europe/Paris"}}

	out, err := p.Run(context.Background(), t.TempDir(), 0, 0)
	require.NoError(t, err)
	env := string(out.Stdout)
	assert.Contains(t, env, "TZ=UTC\n")
	assert.Contains(t, env, "LC_ALL=C\n")
	assert.Contains(t, env, "PYTHONHASHSEED=0\n")
	assert.Contains(t, env, "EXTRA=1\n")
	assert.Contains(t, env, "DATA_ROOT=")
	assert.NotContains(t, env, "REPROLOCK_LEAK")
	assert.NotContains(t, env, "Europe/Paris")
}

func TestProducer_CancellationKillsAndReturnsContextError(t *testing.T) {
	skipOnWindows(t)
	ctx, cancel := context.WithTimeout(context.Background(), 100*time.Millisecond)
	defer cancel()

	start := time.Now()
	_, err := Producer{Argv: []string{"sleep", "30"}}.Run(ctx, t.TempDir(), 0, 0)
	assert.ErrorIs(t, err, context.DeadlineExceeded)
	assert.Less(t, time.Since(start), 10*time.Second)

	var pe *ProducerError
	assert.False(t, errors.As(err, &pe), "cancellation is not a producer failure")
}

func requireSetsid(t *testing.T) {
	t.Helper()
	skipOnWindows(t)
	if _, err := exec.LookPath("setsid"); err != nil {
		t.Skip("setsid not available")
	}
}

func TestProducer_TimeoutIsBoundedWhenDetachedChildHoldsOutput(t *testing.T) {
	requireSetsid(t)
	p := Producer{Command: "setsid sleep 20 & sleep 30"}

	start := time.Now()
	_, err := p.Run(context.Background(), t.TempDir(), 200*time.Millisecond, 0)
	elapsed := time.Since(start)

	var pe *ProducerError
	require.ErrorAs(t, err, &pe)
	assert.Equal(t, ReasonTimeout, pe.Reason)
	assert.Less(t, elapsed, 10*time.Second)
}

func TestProducer_CleanExitIsNotHeldByDetachedChild(t *testing.T) {
	requireSetsid(t)
	p := Producer{Command: "setsid sleep 20 & echo done"}

	start := time.Now()
	out, err := p.Run(context.Background(), t.TempDir(), 0, 0)
	require.NoError(t, err)
	assert.Equal(t, "done\n", string(out.Stdout))
	assert.Less(t, time.Since(start), 10*time.Second)
}

func TestProducer_RejectsAmbiguousCommands(t *testing.T) {
	_, err := Producer{}.Run(context.Background(), t.TempDir(), 0, 0)
	var pe *ProducerError
	require.ErrorAs(t, err, &pe)
	assert.Equal(t, ReasonStart, pe.Reason)

	_, err = Producer{Command: "true", Argv: []string{"true"}}.Run(context.Background(), t.TempDir(), 0, 0)
	require.ErrorAs(t, err, &pe)
}

func TestCompare_OrdersDivergencesCanonically(t *testing.T) {
	d1, d2, d3 := digest.Bytes([]byte("1")), digest.Bytes([]byte("2")), digest.Bytes([]byte("3"))
	g := lock.NewBundle("")
	g.Files["b.lock.json"] = d1
	g.Files["a.lock.json"] = d1
	g.Files["c.lock.json"] = d3
	c := lock.NewBundle("Bundle.v2")
	c.Files["b.lock.json"] = d2
	c.Files["a.lock.json"] = d2
	c.Files["d.lock.json"] = d3

	r := Compare(g, c, nil, nil)
	require.Len(t, r.Mismatches, 2)
	assert.Equal(t, "a.lock.json", r.Mismatches[0].Path)
	assert.Equal(t, "a.json", r.Mismatches[0].Artifact)
	assert.Equal(t, []string{"c.lock.json"}, r.Missing)
	assert.Equal(t, []string{"d.lock.json"}, r.Extra)
	assert.True(t, r.SchemaMismatch())
	assert.Contains(t, r.First(), "schema")

	c.Schema = g.Schema
	r = Compare(g, c, nil, nil)
	assert.Contains(t, r.First(), "a.lock.json")
}
