// Package builtin assembles the connector registry shipped with orgloopd.
// Modules reference these connectors by name in their configuration.
package builtin

import (
	"github.com/orgloop/orgloop/internal/connector"
	"github.com/orgloop/orgloop/internal/connector/cron"
	"github.com/orgloop/orgloop/internal/connector/github"
	"github.com/orgloop/orgloop/internal/connector/harness"
	"github.com/orgloop/orgloop/internal/connector/httpactor"
	"github.com/orgloop/orgloop/internal/connector/webhook"
	"github.com/orgloop/orgloop/internal/transform"
)

// Registry returns the stock connector registry: every source, actor, and
// package transform built into the daemon.
func Registry() *connector.Registry {
	r := connector.NewRegistry()

	r.RegisterSource("github", func() connector.Source { return github.New() })
	r.RegisterSource("cron", func() connector.Source { return cron.New() })
	r.RegisterSource("webhook", func() connector.Source { return webhook.New() })
	r.RegisterSource("harness", func() connector.Source { return harness.New() })

	r.RegisterActor("http", func() connector.Actor { return httpactor.New() })

	r.RegisterTransformer("filter-bots", func() connector.Transformer { return &transform.FilterBots{} })
	r.RegisterTransformer("dedupe", func() connector.Transformer { return &transform.Dedupe{} })

	return r
}
