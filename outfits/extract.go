package outfits

// Extract parses a complete model response in one shot. It is the batch
// counterpart of StreamScanner and is implemented on top of it, so feeding
// the same bytes chunked or whole yields identical records in identical
// order.
func Extract(raw string, includeReasoning bool) ([]OutfitRecord, string, error) {
	scanner := NewStreamScanner(includeReasoning)
	records := scanner.Feed(raw)
	if err := scanner.Finish(); err != nil {
		return nil, "", err
	}
	return records, scanner.Reasoning(), nil
}
