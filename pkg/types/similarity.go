package types

import (
	"encoding/json"
)

// trackedFields are the RawEvent fields (beyond UUID) compared when scoring
// similarity between the originally stored event and a later duplicate.
var trackedFields = []string{"event", "distinct_id", "token", "timestamp"}

// ComputeSimilarity compares a newly observed event against the originally
// stored one and reports which top-level fields and properties differ, plus
// an overall similarity score in [0, 1]. The score is an equal-weighted
// blend of top-level field agreement and Jaccard similarity over property
// keys: 0.5*fieldEquality + 0.5*jaccard(propertyKeys(original),
// propertyKeys(new)). onlyUUIDDiffers is true when every tracked field and
// every property value is identical, meaning the event's UUID is the only
// observed difference.
func ComputeSimilarity(original, incoming *RawEvent) (SimilaritySnapshot, bool) {
	var differentFields []string

	if original.Event != incoming.Event {
		differentFields = append(differentFields, "event")
	}
	if !bytesEqual(original.DistinctID, incoming.DistinctID) {
		differentFields = append(differentFields, "distinct_id")
	}
	if original.Token != incoming.Token {
		differentFields = append(differentFields, "token")
	}
	if original.Timestamp != incoming.Timestamp {
		differentFields = append(differentFields, "timestamp")
	}

	fieldEquality := 1.0
	if len(trackedFields) > 0 {
		fieldEquality = float64(len(trackedFields)-len(differentFields)) / float64(len(trackedFields))
	}

	differentProps, propSimilarity := comparePropertyMaps(original.Properties, incoming.Properties)

	snapshot := SimilaritySnapshot{
		DifferentFieldCount:    len(differentFields),
		DifferentFields:        differentFields,
		DifferentPropertyCount: len(differentProps),
		PropertiesSimilarity:   propSimilarity,
		OverallScore:           0.5*fieldEquality + 0.5*propSimilarity,
	}

	onlyUUIDDiffers := len(differentFields) == 0 && len(differentProps) == 0
	return snapshot, onlyUUIDDiffers
}

// comparePropertyMaps returns the names of properties whose value changed
// (present in both but unequal) or that were added/removed, plus a Jaccard
// similarity over the two property key sets. Values are compared for every
// property, "$"-prefixed or not. No property value is returned, and the
// SimilaritySnapshot keeps only the count of differing properties, so no
// property value or name, "$"-prefixed ones included, reaches audit logs
// or metrics.
func comparePropertyMaps(original, incoming map[string]json.RawMessage) ([]string, float64) {
	keys := make(map[string]struct{}, len(original)+len(incoming))
	for k := range original {
		keys[k] = struct{}{}
	}
	for k := range incoming {
		keys[k] = struct{}{}
	}

	var different []string
	intersection := 0
	for k := range keys {
		origVal, inOrig := original[k]
		newVal, inNew := incoming[k]
		if inOrig && inNew {
			intersection++
			if !bytesEqual(origVal, newVal) {
				different = append(different, k)
			}
		} else {
			different = append(different, k)
		}
	}

	union := len(keys)
	if union == 0 {
		return different, 1.0
	}
	return different, float64(intersection) / float64(union)
}

func bytesEqual(a, b json.RawMessage) bool {
	return string(a) == string(b)
}
