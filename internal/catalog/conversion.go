package catalog

// EffectiveFactor returns the usable conversion factor for an item.
// Factors of zero or less fall back to 1 so callers never divide by zero.
func EffectiveFactor(item Item) float64 {
	if item.Conversion > 0 {
		return item.Conversion
	}
	return 1
}

// Normalize converts a quantity entered in the item's large unit into
// small units. The factor means "small units per one large unit", so
// intake multiplies and display divides; both directions share this
// resolver.
func Normalize(item Item, largeQty float64) float64 {
	return largeQty * EffectiveFactor(item)
}

// Denormalize converts a small-unit quantity back to large units.
func Denormalize(item Item, smallQty float64) float64 {
	return smallQty / EffectiveFactor(item)
}
