package registry

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/akatsuki-hq/dispatch/internal/schema"
)

func noopHandler(_ context.Context, _ map[string]any) (any, error) { return nil, nil }

func def(name, owner string) *Definition {
	return &Definition{
		Name:       name,
		Mode:       ModeSync,
		Parameters: schema.Object(name+" arguments", nil),
		Handler:    noopHandler,
		Owner:      owner,
	}
}

func TestRegisterRejectsInvalidDefinitions(t *testing.T) {
	t.Parallel()
	r := New()

	assert.Error(t, r.Register(nil))
	assert.Error(t, r.Register(&Definition{Mode: ModeSync, Handler: noopHandler, Parameters: schema.Object("x", nil)}))

	d := def("ping", "")
	d.Handler = nil
	assert.Error(t, r.Register(d))

	d = def("ping", "")
	d.Mode = ExecutionMode("deferred")
	assert.Error(t, r.Register(d))

	d = def("ping", "")
	d.Parameters = nil
	assert.Error(t, r.Register(d))

	d = def("ping", "")
	d.Parameters = schema.Object("args", map[string]*schema.Node{
		"mode": schema.Enum("no values"),
	})
	assert.Error(t, r.Register(d))
}

func TestRegisterUniquePerScope(t *testing.T) {
	t.Parallel()
	r := New()

	require.NoError(t, r.Register(def("ping", "")))
	assert.Error(t, r.Register(def("ping", "")))

	// Same name in an owner scope is fine, once.
	require.NoError(t, r.Register(def("ping", "acme")))
	assert.Error(t, r.Register(def("ping", "acme")))

	// And independently for another owner.
	require.NoError(t, r.Register(def("ping", "globex")))
}

func TestResolveOwnerScopedShadowsGlobal(t *testing.T) {
	t.Parallel()
	r := New()

	global := def("report", "")
	scoped := def("report", "acme")
	require.NoError(t, r.Register(global))
	require.NoError(t, r.Register(scoped))

	got, err := r.Resolve("report", "acme")
	require.NoError(t, err)
	assert.Same(t, scoped, got)

	got, err = r.Resolve("report", "globex")
	require.NoError(t, err)
	assert.Same(t, global, got)

	got, err = r.Resolve("report", "")
	require.NoError(t, err)
	assert.Same(t, global, got)

	_, err = r.Resolve("missing", "acme")
	assert.ErrorIs(t, err, ErrFunctionNotFound)
}

func TestSnapshotMergesAndSorts(t *testing.T) {
	t.Parallel()
	r := New()

	require.NoError(t, r.Register(def("zeta", "")))
	require.NoError(t, r.Register(def("alpha", "")))
	scoped := def("zeta", "acme")
	require.NoError(t, r.Register(scoped))
	require.NoError(t, r.Register(def("private", "acme")))

	defs := r.Snapshot("acme")
	names := make([]string, len(defs))
	for i, d := range defs {
		names[i] = d.Name
	}
	assert.Equal(t, []string{"alpha", "private", "zeta"}, names)
	assert.Same(t, scoped, defs[2])

	// A caller without the scope sees only globals.
	defs = r.Snapshot("globex")
	names = names[:0]
	for _, d := range defs {
		names = append(names, d.Name)
	}
	assert.Equal(t, []string{"alpha", "zeta"}, names)
}

func TestToProviderSchemaEnvelopes(t *testing.T) {
	t.Parallel()

	defs := []*Definition{
		{
			Name:        "echo",
			Description: "echoes its input",
			Mode:        ModeSync,
			Handler:     noopHandler,
			Parameters: schema.Object("echo arguments", map[string]*schema.Node{
				"text": schema.String("text to echo"),
			}),
		},
	}

	openai, err := ToProviderSchema(defs, schema.ProviderOpenAI)
	require.NoError(t, err)
	require.Len(t, openai, 1)
	assert.Equal(t, "function", openai[0]["type"])
	fn := openai[0]["function"].(map[string]any)
	assert.Equal(t, "echo", fn["name"])
	assert.Contains(t, fn, "parameters")

	anthropic, err := ToProviderSchema(defs, schema.ProviderAnthropic)
	require.NoError(t, err)
	require.Len(t, anthropic, 1)
	assert.Equal(t, "echo", anthropic[0]["name"])
	assert.Contains(t, anthropic[0], "input_schema")

	gemini, err := ToProviderSchema(defs, schema.ProviderGemini)
	require.NoError(t, err)
	require.Len(t, gemini, 1)
	assert.Equal(t, "echo", gemini[0]["name"])
	params := gemini[0]["parameters"].(map[string]any)
	assert.Equal(t, "OBJECT", params["type"])

	_, err = ToProviderSchema(defs, schema.Provider("cohere"))
	assert.Error(t, err)
}
