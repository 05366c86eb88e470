package config_test

import (
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/calvinalkan/cbdstore/internal/config"
)

const validConfig = `{
	// comments are allowed
	"namespaces": {
		"rdf": "http://www.w3.org/1999/02/22-rdf-syntax-ns#",
		"dct": "http://purl.org/dc/terms/",
		"bibo": "http://purl.org/ontology/bibo/",
		"ex": "http://example.com/",
	},
	"defaultContext": "ex:ctx",
	"stores": {
		"main": {
			"pods": {
				"CBD_resources": {"cardinality": {"dct:created": 1}},
			},
			"viewSpecifications": [{
				"_id": "v_resource",
				"type": "bibo:Book",
				"from": "CBD_resources",
				"joins": {"dct:isVersionOf": {"include": ["dct:title"]}},
			}],
			"tableSpecifications": [{
				"_id": "t_books",
				"type": ["bibo:Book"],
				"from": "CBD_resources",
				"fields": [{"fieldName": "title", "predicates": ["dct:title"]}],
			}],
		},
	},
}`

func Test_Parse_Applies_Defaults_When_Optional_Fields_Omitted(t *testing.T) {
	t.Parallel()

	cfg, err := config.Parse([]byte(validConfig))
	require.NoError(t, err)

	require.Equal(t, config.DefaultLockRetries, cfg.Locks.Retries)
	require.Equal(t, config.DefaultLockRetryMinMS, cfg.Locks.RetryMinMS)
	require.Equal(t, config.DefaultLockRetryMaxMS, cfg.Locks.RetryMaxMS)
	require.Equal(t, "memory", cfg.Dispatch.Queue)

	sc, err := cfg.Store("main")
	require.NoError(t, err)
	require.Equal(t, config.DefaultViewCollection, sc.Collection(config.KindView))
	require.Equal(t, "main.sqlite", sc.DataSource)

	spec, kind, ok := sc.Spec("t_books")
	require.True(t, ok)
	require.Equal(t, config.KindTable, kind)
	require.Equal(t, config.StringList{"bibo:Book"}, spec.Type)
}

func Test_Parse_Returns_Config_Error_When_Rule_Broken(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name    string
		mutate  func(string) string
		wantMsg string
	}{
		{
			name:    "missing default context",
			mutate:  func(s string) string { return strings.Replace(s, `"defaultContext": "ex:ctx",`, ``, 1) },
			wantMsg: "missing default context",
		},
		{
			name: "cardinality with undeclared namespace",
			mutate: func(s string) string {
				return strings.Replace(s, `"dct:created": 1`, `"foaf:name": 1`, 1)
			},
			wantMsg: `undeclared namespace "foaf"`,
		},
		{
			name: "counts without ttl",
			mutate: func(s string) string {
				return strings.Replace(s,
					`"fields": [{"fieldName": "title", "predicates": ["dct:title"]}],`,
					`"fields": [{"fieldName": "title", "predicates": ["dct:title"]}], "counts": {"n": {"property": "dct:hasPart"}},`, 1)
			},
			wantMsg: "t_books",
		},
		{
			name: "view without joins",
			mutate: func(s string) string {
				return strings.Replace(s, `"joins": {"dct:isVersionOf": {"include": ["dct:title"]}},`, ``, 1)
			},
			wantMsg: "view specification requires joins",
		},
		{
			name: "unknown from",
			mutate: func(s string) string {
				return strings.Replace(s, `"from": "CBD_resources"`, `"from": "CBD_nope"`, 1)
			},
			wantMsg: `from "CBD_nope"`,
		},
		{
			name: "compound index over two joined fields",
			mutate: func(s string) string {
				return strings.Replace(s,
					`"fields": [{"fieldName": "title", "predicates": ["dct:title"]}],`,
					`"joins": {"dct:hasPart": {"fields": [{"fieldName": "a", "predicates": ["dct:title"]}, {"fieldName": "b", "predicates": ["dct:date"]}]}},
					"ensureIndexes": [{"value.a": 1, "value.b": 1}],`, 1)
			},
			wantMsg: "more than one multi-valued field",
		},
	}

	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			t.Parallel()

			_, err := config.Parse([]byte(tc.mutate(validConfig)))
			require.ErrorIs(t, err, config.ErrConfigInvalid)
			require.ErrorContains(t, err, tc.wantMsg)
		})
	}
}

func Test_Parse_Accepts_Compound_Index_When_Join_Capped_To_One(t *testing.T) {
	t.Parallel()

	cfgText := strings.Replace(validConfig,
		`"fields": [{"fieldName": "title", "predicates": ["dct:title"]}],`,
		`"joins": {"dct:hasPart": {"maxJoins": 1, "fields": [{"fieldName": "a", "predicates": ["dct:title"]}, {"fieldName": "b", "predicates": ["dct:date"]}]}},
		"ensureIndexes": [{"value.a": 1, "value.b": 1}],`, 1)

	_, err := config.Parse([]byte(cfgText))
	require.NoError(t, err)
}

func Test_Load_Resolves_Paths_And_Uses_Env_When_Flag_Missing(t *testing.T) {
	t.Parallel()

	dir := t.TempDir()
	path := filepath.Join(dir, "cbd.jsonc")
	require.NoError(t, os.WriteFile(path, []byte(validConfig), 0o600))

	cfg, err := config.Load(config.LoadInput{
		WorkDir: dir,
		Env:     map[string]string{config.EnvConfigPath: "cbd.jsonc"},
	})
	require.NoError(t, err)
	require.Equal(t, path, cfg.Source)
	require.Equal(t, dir, cfg.DataDir)

	ds, err := cfg.DataSourcePath("main")
	require.NoError(t, err)
	require.Equal(t, filepath.Join(dir, "main.sqlite"), ds)
}

func Test_Load_Returns_Not_Found_When_File_Missing(t *testing.T) {
	t.Parallel()

	_, err := config.Load(config.LoadInput{WorkDir: t.TempDir(), ConfigPath: "missing.json"})
	require.ErrorIs(t, err, config.ErrConfigFileNotFound)
}
