package source

import (
	"context"
	"fmt"

	"dp-sidecar/internal/config"
	"dp-sidecar/internal/dp"
)

// NewSourceFromConfig creates the count source selected by cfg.Type.
// The ratings source reads from store.
func NewSourceFromConfig(ctx context.Context, cfg config.SourceConfig, store RatingCounter) (dp.Source, error) {
	switch cfg.Type {
	case "", "ratings":
		if store == nil {
			return nil, fmt.Errorf("ratings source requires a store")
		}
		return NewRatings(store), nil
	case "postgres":
		intIDs, err := parseIDType(cfg.IDType)
		if err != nil {
			return nil, err
		}
		pg, err := NewPostgres(ctx, cfg.DSN, cfg.Query, intIDs)
		if err != nil {
			return nil, err
		}
		return pg, nil
	case "static":
		return NewStatic(cfg.Counts), nil
	default:
		return nil, fmt.Errorf("unknown source type: %s", cfg.Type)
	}
}

func parseIDType(t string) (bool, error) {
	switch t {
	case "", "string":
		return false, nil
	case "int":
		return true, nil
	default:
		return false, fmt.Errorf("unknown id_type: %s", t)
	}
}
