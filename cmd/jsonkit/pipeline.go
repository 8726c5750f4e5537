package main

import (
	"github.com/jsonkit/jsonkit/internal/config"
	"github.com/jsonkit/jsonkit/internal/extdata"
	"github.com/jsonkit/jsonkit/internal/scanner"
	"github.com/jsonkit/jsonkit/internal/server"
)

// pipeline is the server-side core built from one configuration.
type pipeline struct {
	root    string
	static  string
	cache   *extdata.Cache
	scanner *scanner.Scanner
}

func newPipeline(cfg *config.Config, configPath string) (*pipeline, error) {
	root, err := cfg.JSONRoot(configPath)
	if err != nil {
		return nil, err
	}
	static, err := cfg.StaticRoot(configPath)
	if err != nil {
		return nil, err
	}

	cache, err := extdata.NewCache(extdata.New(cfg.Navigation.ExtData, logger), extdata.DefaultCacheSize)
	if err != nil {
		return nil, err
	}
	sc, err := scanner.New(scanner.Config{
		Root:     root,
		Excluded: []string{static},
		Cache:    cache,
		Logger:   logger,
	})
	if err != nil {
		return nil, err
	}
	return &pipeline{root: root, static: static, cache: cache, scanner: sc}, nil
}

// settings builds the public settings served at /config.
func (p *pipeline) settings(cfg *config.Config) server.Settings {
	return server.Settings{
		Title:             cfg.App.Title,
		Version:           cfg.App.Version,
		JSONDirectory:     cfg.Navigation.JSONDirectory,
		JSONDirectoryFull: p.root,
		ExtData:           cfg.Navigation.ExtData,
		ExtDataFilterSize: cfg.Navigation.ExtDataFilterSize,
		PortWss:           cfg.Server.PortWss,
	}
}
