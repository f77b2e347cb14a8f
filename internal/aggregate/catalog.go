package aggregate

// MetricSpec defines one ratio metric as numerator/denominator over the raw
// fact metric names. The denominator is the exposure metric (views for most
// rates); the numerator is the outcome.
type MetricSpec struct {
	Name        string `json:"name"`
	Numerator   string `json:"numerator"`
	Denominator string `json:"denominator"`
}

// Raw fact metric names as delivered by the event warehouse.
const (
	MetricView        = "view"
	MetricClick       = "click"
	MetricAddToCart   = "add_to_cart"
	MetricConversion  = "conversion"
	MetricOrderAmount = "order_amount"
)

// DefaultCatalog returns the standard ratio metrics evaluated for every
// experiment page. The surrounding workflow requires at least 7 per
// experiment; the aggregator itself is metric-count-agnostic.
func DefaultCatalog() []MetricSpec {
	return []MetricSpec{
		{Name: "ctr", Numerator: MetricClick, Denominator: MetricView},
		{Name: "cvr", Numerator: MetricConversion, Denominator: MetricView},
		{Name: "atc_rate", Numerator: MetricAddToCart, Denominator: MetricView},
		{Name: "cart_conversion", Numerator: MetricConversion, Denominator: MetricAddToCart},
		{Name: "click_conversion", Numerator: MetricConversion, Denominator: MetricClick},
		{Name: "aov", Numerator: MetricOrderAmount, Denominator: MetricConversion},
		{Name: "rpv", Numerator: MetricOrderAmount, Denominator: MetricView},
	}
}
