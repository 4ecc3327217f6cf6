package billing

type Config struct {
	BaseURL string `env:"APP_BASE_URL" envDefault:"http://localhost:8080"`
	// CatalogPath points to a YAML catalog replacing the embedded one.
	CatalogPath string `env:"BILLING_CATALOG_PATH"`
	Stripe      StripeConfig
}

// LoadCatalog returns the catalog at CatalogPath, or the embedded default
// when the path is empty.
func (c Config) LoadCatalog() (*Catalog, error) {
	if c.CatalogPath == "" {
		return DefaultCatalog(), nil
	}
	return LoadCatalog(c.CatalogPath)
}
