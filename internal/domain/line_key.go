package domain

// LineKey identifies a purchasable item within a cart. A line without a
// variant never equals a line with one, even an empty-string variant.
type LineKey struct {
	ProductID  string
	VariantID  string
	HasVariant bool
}

// KeyOf returns the merge key of a line.
func KeyOf(line CartLine) LineKey {
	key := LineKey{ProductID: line.ProductID}
	if line.VariantID != nil {
		key.VariantID = *line.VariantID
		key.HasVariant = true
	}
	return key
}

func (k LineKey) String() string {
	if !k.HasVariant {
		return k.ProductID
	}
	return k.ProductID + "/" + k.VariantID
}
