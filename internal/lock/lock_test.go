package lock

import (
	"context"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"reprolock/internal/canon"
	"reprolock/internal/digest"
	"reprolock/internal/fsys"
	"reprolock/internal/metrics"
	"reprolock/internal/policy"
	"reprolock/internal/trace"
)

func registry(t *testing.T, policies ...*policy.Policy) *policy.Registry {
	t.Helper()
	reg := policy.NewRegistry()
	for _, p := range policies {
		require.NoError(t, reg.Register(p))
	}
	return reg
}

func writeFile(t *testing.T, root *fsys.Root, name, body string) {
	t.Helper()
	require.NoError(t, root.WriteAtomic(name, []byte(body), 0o644))
}

func TestBuild_EmptyRootGivesFixedEmptyBundle(t *testing.T) {
	res, err := NewBuilder(fsys.Memory(), nil).Build(context.Background())
	require.NoError(t, err)

	data, err := res.Bundle.Marshal()
	require.NoError(t, err)
	assert.Equal(t, `{"files":{},"schema":"Bundle.v1"}`, string(data))

	d, err := res.Bundle.Digest()
	require.NoError(t, err)
	assert.Equal(t, digest.Bytes([]byte(`{"files":{},"schema":"Bundle.v1"}`)), d)
}

func TestBuild_SingleArtifactRoundTrip(t *testing.T) {
	root := fsys.Memory()
	writeFile(t, root, "telemetry/r1.json", `{"constants_ref":"abc123","metrics":{"x":1.5},"schema":"R.v1","ts":42}`+"\n")

	res, err := NewBuilder(root, registry(t, &policy.Policy{Schema: "R.v1", Strip: []string{"ts"}})).Build(context.Background())
	require.NoError(t, err)

	want, err := canon.Marshal(map[string]any{"constants_ref": "abc123", "metrics": map[string]any{"x": 1.5}, "schema": "R.v1"})
	require.NoError(t, err)
	lock, err := root.ReadFile("telemetry/r1.lock.json")
	require.NoError(t, err)
	assert.Equal(t, string(want), string(lock))

	require.Len(t, res.Bundle.Files, 1)
	assert.Equal(t, digest.Bytes(lock), res.Bundle.Files["telemetry/r1.lock.json"])
	require.Len(t, res.Artifacts, 1)
	assert.Equal(t, StateHashed, res.Artifacts[0].State)
}

func TestBuild_OnlyVolatileFieldsLocksBindingKeys(t *testing.T) {
	root := fsys.Memory()
	writeFile(t, root, "telemetry/v.json", `{"constants_ref":"c","schema":"V.v1","session":"s","timestamp":1}`)

	_, err := NewBuilder(root, registry(t, &policy.Policy{Schema: "V.v1", Strip: []string{"timestamp", "session"}})).Build(context.Background())
	require.NoError(t, err)

	lock, err := root.ReadFile("telemetry/v.lock.json")
	require.NoError(t, err)
	assert.Equal(t, `{"constants_ref":"c","schema":"V.v1"}`, string(lock))
}

func TestBuild_IsDeterministicAcrossRoots(t *testing.T) {
	build := func() []byte {
		root := fsys.Memory()
		writeFile(t, root, "telemetry/b.json", `{"constants_ref":"c","schema":"R.v1","x":0.1}`)
		writeFile(t, root, "telemetry/a.json", `{"constants_ref":"c","schema":"R.v1","x":2}`)
		res, err := NewBuilder(root, registry(t, &policy.Policy{Schema: "R.v1"})).Build(context.Background())
		require.NoError(t, err)
		data, err := res.Bundle.Marshal()
		require.NoError(t, err)
		return data
	}
	assert.Equal(t, build(), build())
}

func TestBuild_EquivalentFloatSpellingsGiveEqualBundles(t *testing.T) {
	build := func(x string) string {
		root := fsys.Memory()
		writeFile(t, root, "telemetry/f.json", `{"constants_ref":"c","schema":"R.v1","x":`+x+`}`)
		b := NewBuilder(root, registry(t, &policy.Policy{Schema: "R.v1"}), WithConfig(Config{
			Mode: ModeStrict, MissingField: MissingWarn, BundleSchema: DefaultBundleSchema,
		}))
		res, err := b.Build(context.Background())
		require.NoError(t, err)
		d, err := res.Bundle.Digest()
		require.NoError(t, err)
		return d
	}
	assert.Equal(t, build("0.10000000000000001"), build("1e-1"))
}

func TestBuild_StrictCanonicalRejectsNonCanonicalBytes(t *testing.T) {
	root := fsys.Memory()
	writeFile(t, root, "telemetry/r.json", `{"schema":"R.v1", "constants_ref":"c"}`)

	res, err := NewBuilder(root, registry(t, &policy.Policy{Schema: "R.v1"})).Build(context.Background())
	require.ErrorIs(t, err, ErrNonCanonical)
	assert.Nil(t, res.Bundle)

	exists, err := root.Exists("telemetry/r.lock.json")
	require.NoError(t, err)
	assert.False(t, exists)
}

func TestBuild_RejectsMissingBindingsAndUnknownSchemas(t *testing.T) {
	cases := []struct {
		name string
		body string
		want error
	}{
		{"no schema", `{"constants_ref":"c"}`, ErrMissingSchema},
		{"not an object", `[1,2]`, ErrMissingSchema},
		{"no constants", `{"schema":"R.v1"}`, ErrUnboundConstants},
		{"unknown schema", `{"constants_ref":"c","schema":"Q.v9"}`, ErrUnknownSchema},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			root := fsys.Memory()
			writeFile(t, root, "telemetry/x.json", tc.body)
			_, err := NewBuilder(root, registry(t, &policy.Policy{Schema: "R.v1"})).Build(context.Background())
			require.ErrorIs(t, err, tc.want)

			var ae *ArtifactError
			require.ErrorAs(t, err, &ae)
			assert.Equal(t, "telemetry/x.json", ae.Path)
		})
	}
}

func TestBuild_CollectModeReportsEveryRejection(t *testing.T) {
	root := fsys.Memory()
	writeFile(t, root, "telemetry/a.json", `{"constants_ref":"c","schema":"Q.v1"}`)
	writeFile(t, root, "telemetry/b.json", `{"constants_ref":"c","schema":"R.v1"}`)
	writeFile(t, root, "telemetry/c.json", `{"schema":"R.v1"}`)

	cfg := DefaultConfig()
	cfg.Mode = ModeCollect
	m := metrics.New()
	res, err := NewBuilder(root, registry(t, &policy.Policy{Schema: "R.v1"}), WithConfig(cfg), WithMetrics(m)).Build(context.Background())
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrUnknownSchema)
	assert.ErrorIs(t, err, ErrUnboundConstants)
	assert.Nil(t, res.Bundle)

	require.Len(t, res.Artifacts, 3)
	assert.Equal(t, StateRejected, res.Artifacts[0].State)
	assert.Equal(t, StateHashed, res.Artifacts[1].State)
	assert.Equal(t, StateRejected, res.Artifacts[2].State)
	assert.Len(t, res.Rejected(), 2)
}

func TestBuild_MissingFieldActions(t *testing.T) {
	pol := &policy.Policy{Schema: "R.v1", Strip: []string{"ts"}}
	body := `{"constants_ref":"c","schema":"R.v1"}`

	for _, tc := range []struct {
		action  MissingFieldAction
		wantErr bool
		wantVio int
	}{
		{MissingIgnore, false, 0},
		{MissingWarn, false, 1},
		{MissingFail, true, 1},
	} {
		t.Run(string(tc.action), func(t *testing.T) {
			root := fsys.Memory()
			writeFile(t, root, "telemetry/r.json", body)
			cfg := DefaultConfig()
			cfg.MissingField = tc.action
			res, err := NewBuilder(root, registry(t, pol), WithConfig(cfg)).Build(context.Background())
			if tc.wantErr {
				require.ErrorIs(t, err, policy.ErrPolicyViolation)
				assert.Contains(t, err.Error(), "R.v1")
				assert.Contains(t, err.Error(), "ts")
			} else {
				require.NoError(t, err)
			}
			assert.Len(t, res.Artifacts[0].Violations, tc.wantVio)
		})
	}
}

func TestBuild_UnknownTopLevelKeyFailsClosed(t *testing.T) {
	root := fsys.Memory()
	writeFile(t, root, "telemetry/r.json", `{"constants_ref":"c","figure":"/home/u/fig.png","metrics":{},"schema":"R.v1"}`)

	_, err := NewBuilder(root, registry(t, &policy.Policy{Schema: "R.v1", Keys: []string{"metrics"}})).Build(context.Background())
	require.ErrorIs(t, err, policy.ErrPolicyViolation)
	assert.Contains(t, err.Error(), "figure")
}

func TestBuild_SkipsLockFilesExcludedPathsAndNonJSON(t *testing.T) {
	root := fsys.Memory()
	writeFile(t, root, "telemetry/r.json", `{"constants_ref":"c","schema":"R.v1"}`)
	writeFile(t, root, "telemetry/r.lock.json", `stale`)
	writeFile(t, root, "telemetry/bundle.json", `{"files":{},"schema":"Bundle.v1"}`)
	writeFile(t, root, "telemetry/bundle.json.sig", `hmac-sha256:00`)
	writeFile(t, root, "telemetry/sweep.csv", "a,b\n")
	writeFile(t, root, "policies.json", `{"policies":[]}`)

	cfg := DefaultConfig()
	cfg.Exclude = []string{"telemetry/bundle.json", "policies.json"}
	res, err := NewBuilder(root, registry(t, &policy.Policy{Schema: "R.v1"}), WithConfig(cfg)).Build(context.Background())
	require.NoError(t, err)
	assert.Equal(t, []string{"telemetry/r.lock.json"}, res.Bundle.Paths())
}

func TestBuild_ExcludePathsAreLiteral(t *testing.T) {
	root := fsys.Memory()
	writeFile(t, root, "telemetry/r.json", `{"constants_ref":"c","schema":"R.v1"}`)
	writeFile(t, root, "telemetry/[golden].json", `{"files":{},"schema":"Bundle.v1"}`)
	writeFile(t, root, "telemetry/g.json", `{"constants_ref":"c","schema":"R.v1"}`)

	cfg := DefaultConfig()
	cfg.ExcludePaths = []string{"telemetry/[golden].json"}
	res, err := NewBuilder(root, registry(t, &policy.Policy{Schema: "R.v1"}), WithConfig(cfg)).Build(context.Background())
	require.NoError(t, err)
	assert.Equal(t, []string{"telemetry/g.lock.json", "telemetry/r.lock.json"}, res.Bundle.Paths(),
		"a literal path excludes only itself, never what it would match as a glob")
}

func TestBuild_ExcludePatternsSkipUnschemaedSidecars(t *testing.T) {
	root := fsys.Memory()
	writeFile(t, root, "telemetry/r.json", `{"constants_ref":"c","schema":"R.v1"}`)
	writeFile(t, root, "telemetry/sweep_grid.json", `[1,2,3]`)
	reg := registry(t, &policy.Policy{Schema: "R.v1"})

	_, err := NewBuilder(root, reg).Build(context.Background())
	require.ErrorIs(t, err, ErrMissingSchema)

	cfg := DefaultConfig()
	cfg.Exclude = []string{"*_grid.json"}
	res, err := NewBuilder(root, reg, WithConfig(cfg)).Build(context.Background())
	require.NoError(t, err)
	assert.Equal(t, []string{"telemetry/r.lock.json"}, res.Bundle.Paths())
}

func TestBuild_RecordsCanonicalTrace(t *testing.T) {
	root := fsys.Memory()
	writeFile(t, root, "telemetry/a.json", `{"constants_ref":"c","schema":"R.v1"}`)
	writeFile(t, root, "telemetry/b.json", `{"constants_ref":"c","schema":"X.v1"}`)

	rec := trace.NewRecorder()
	cfg := DefaultConfig()
	cfg.Mode = ModeCollect
	_, err := NewBuilder(root, registry(t, &policy.Policy{Schema: "R.v1"}), WithConfig(cfg), WithTrace(rec)).Build(context.Background())
	require.Error(t, err)

	tr := rec.Trace(DefaultBundleSchema)
	var kinds []trace.EventKind
	for _, e := range tr.Events {
		kinds = append(kinds, e.Kind)
	}
	assert.Equal(t, []trace.EventKind{
		trace.EventDiscovered, trace.EventParsed, trace.EventNormalized, trace.EventLocked, trace.EventHashed,
		trace.EventDiscovered, trace.EventParsed, trace.EventRejected,
	}, kinds)
	assert.Equal(t, "UnknownSchema", tr.Events[7].Reason)

	_, err = tr.Hash()
	require.NoError(t, err)
}

func TestBuild_CancelledContext(t *testing.T) {
	root := fsys.Memory()
	writeFile(t, root, "telemetry/r.json", `{"constants_ref":"c","schema":"R.v1"}`)
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	_, err := NewBuilder(root, registry(t, &policy.Policy{Schema: "R.v1"})).Build(ctx)
	assert.ErrorIs(t, err, context.Canceled)
}

func TestConfig_ValidateRejectsBadValues(t *testing.T) {
	for name, mutate := range map[string]func(*Config){
		"mode":    func(c *Config) { c.Mode = "lenient" },
		"missing": func(c *Config) { c.MissingField = "explode" },
		"schema":  func(c *Config) { c.BundleSchema = "R.v1" },
		"exclude": func(c *Config) { c.Exclude = []string{"["} },
	} {
		cfg := DefaultConfig()
		mutate(&cfg)
		assert.Error(t, cfg.Validate(), name)
	}
}

func TestWriteBundle_WritesOnDiskWithDetachedSignature(t *testing.T) {
	dir := t.TempDir()
	root := fsys.OS(dir)
	b := NewBundle("")
	b.Files["telemetry/r.lock.json"] = digest.Bytes([]byte("x"))

	data, err := WriteBundle(root, "telemetry/bundle.json", b, []byte("s3cret"))
	require.NoError(t, err)

	onDisk, err := os.ReadFile(filepath.Join(dir, "telemetry", "bundle.json"))
	require.NoError(t, err)
	assert.Equal(t, data, onDisk)

	sig, err := os.ReadFile(filepath.Join(dir, "telemetry", "bundle.json.sig"))
	require.NoError(t, err)
	require.NoError(t, VerifySignature(onDisk, sig, []byte("s3cret")))
	assert.ErrorIs(t, VerifySignature(onDisk, sig, []byte("other")), ErrBadSignature)
	assert.ErrorIs(t, VerifySignature(append(onDisk, ' '), sig, []byte("s3cret")), ErrBadSignature)
}
