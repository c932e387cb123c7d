package store

import (
	"encoding/json"

	"gorm.io/datatypes"

	"github.com/brightfield-labs/scraperd/internal/model"
)

func toJSON(v any) datatypes.JSON {
	b, err := json.Marshal(v)
	if err != nil {
		return datatypes.JSON("null")
	}
	return datatypes.JSON(b)
}

func fromJSON[T any](raw datatypes.JSON, out *T) {
	if len(raw) == 0 {
		return
	}
	_ = json.Unmarshal(raw, out)
}

func siteConfigToRow(cfg model.SiteConfig) scraperConfigRow {
	return scraperConfigRow{
		Name:           cfg.Name,
		RequiresAuth:   cfg.RequiresLogin,
		URLTemplate:    cfg.URLTemplate,
		Timeout:        cfg.Timeout,
		Disabled:       cfg.Disabled,
		Selectors:      toJSON(cfg.Selectors),
		Workflow:       toJSON(cfg.Workflow),
		TestSKUs:       toJSON(cfg.TestSKUs),
		FakeSKUs:       toJSON(cfg.FakeSKUs),
		Validation:     toJSON(cfg.Validation),
		Login:          toJSON(cfg.Login),
		LastTestResult: toJSON(cfg.LastTestResult),
		Status:         cfg.Status,
	}
}

func rowToSiteConfig(row scraperConfigRow) model.SiteConfig {
	cfg := model.SiteConfig{
		Name:           row.Name,
		RequiresLogin:  row.RequiresAuth,
		URLTemplate:    row.URLTemplate,
		Timeout:        row.Timeout,
		Disabled:       row.Disabled,
		Status:         row.Status,
	}
	fromJSON(row.Selectors, &cfg.Selectors)
	fromJSON(row.Workflow, &cfg.Workflow)
	fromJSON(row.TestSKUs, &cfg.TestSKUs)
	fromJSON(row.FakeSKUs, &cfg.FakeSKUs)
	fromJSON(row.Validation, &cfg.Validation)
	fromJSON(row.Login, &cfg.Login)
	fromJSON(row.LastTestResult, &cfg.LastTestResult)
	return cfg
}
