package collector

import (
	"errors"
	"os"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/brightfield-labs/scraperd/internal/model"
)

func TestNormalizeWeight(t *testing.T) {
	require.Equal(t, "5.00", NormalizeWeight("5 lbs"))
	require.Equal(t, "0.75", NormalizeWeight("12 oz"))
	require.Equal(t, "5.07", NormalizeWeight("2.3kg"))
	require.Equal(t, "garbage", NormalizeWeight("garbage"))
}

func TestFilterImageURLs(t *testing.T) {
	got := FilterImageURLs([]string{"https://a.com/x.jpg", "ftp://b.com/y.jpg", "not a url", "http://c.com/z.png"})
	require.Equal(t, []string{"https://a.com/x.jpg", "http://c.com/z.png"}, got)
}

func TestAddSkipsEmptyRecords(t *testing.T) {
	c := New("s1", nil, t.TempDir(), nil)
	c.Add("sku-1", "site-a", model.ProductRecord{}, 0)
	require.Equal(t, 1, c.StatsSnapshot().Skipped)
	require.Empty(t, c.Get("sku-1"))
}

func TestAddFrozenPriceNeverOverridden(t *testing.T) {
	c := New("s1", nil, t.TempDir(), nil)
	c.SetFrozenPrice("sku-1", "9.99")
	c.Add("sku-1", "site-a", model.ProductRecord{Name: "Widget", Price: "1.00"}, 1)
	got := c.Get("sku-1")["site-a"]
	require.Equal(t, "9.99", got.Price)
}

func TestAddMergePrefersHigherImageQuality(t *testing.T) {
	c := New("s1", nil, t.TempDir(), nil)
	c.Add("sku-1", "site-a", model.ProductRecord{Name: "Widget", Images: []string{"http://a.com/low.jpg"}}, 0.2)
	c.Add("sku-1", "site-a", model.ProductRecord{Images: []string{"http://a.com/high.jpg"}}, 0.9)
	got := c.Get("sku-1")["site-a"]
	require.Equal(t, []string{"http://a.com/high.jpg"}, got.Images)
	require.Equal(t, "Widget", got.Name)
}

type failingStore struct{}

func (failingStore) Upsert(sku, site string, rec model.ProductRecord) error {
	return errors.New("store unavailable")
}

func TestAddFallsBackToJSONLinesOnStoreFailure(t *testing.T) {
	dir := t.TempDir()
	c := New("s1", failingStore{}, dir, nil)
	c.Add("sku-1", "site-a", model.ProductRecord{Name: "Widget"}, 0)
	require.Equal(t, 1, c.StatsSnapshot().FallbackUsed)

	entries, err := os.ReadDir(dir)
	require.NoError(t, err)
	require.NotEmpty(t, entries)
}

func TestSaveSessionWritesFile(t *testing.T) {
	dir := t.TempDir()
	c := New("s1", nil, dir, nil)
	c.Add("sku-1", "site-a", model.ProductRecord{Name: "Widget"}, 0)
	path, err := c.SaveSession(map[string]any{"job_id": "j1"})
	require.NoError(t, err)
	require.FileExists(t, path)
}
