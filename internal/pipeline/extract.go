package pipeline

import (
	"github.com/rs/zerolog/log"

	"fundspread-aggregator/internal/venue"
)

// descriptor states where a type key's fields live inside the raw frame
// and how wire names map to canonical output names.
type descriptor struct {
	path   []any
	fields map[string]string // canonical name <- wire name
}

// descriptors is the static extraction table. Keys are venue + "_" +
// event kind; funding settlements always use the Binance descriptor
// because only that venue produces them.
var descriptors = map[string]descriptor{
	"okx_ticker": {
		path: []any{"data", 0},
		fields: map[string]string{
			"contract_name": "instId",
			"latest_price":  "last",
		},
	},
	"okx_funding_rate": {
		path: []any{"data", 0},
		fields: map[string]string{
			"contract_name":           "instId",
			"funding_rate":            "fundingRate",
			"current_settlement_time": "fundingTime",
			"next_settlement_time":    "nextFundingTime",
		},
	},
	"binance_ticker": {
		fields: map[string]string{
			"contract_name": "s",
			"latest_price":  "c",
		},
	},
	"binance_mark_price": {
		fields: map[string]string{
			"contract_name":           "s",
			"funding_rate":            "r",
			"current_settlement_time": "T",
		},
	},
	"binance_funding_settlement": {
		fields: map[string]string{
			"contract_name":        "symbol",
			"funding_rate":         "funding_rate",
			"last_settlement_time": "funding_time",
		},
	},
}

func typeKey(ev *venue.Event) string {
	if ev.Kind == venue.KindFundingSettlement {
		return "binance_funding_settlement"
	}
	return string(ev.Exchange) + "_" + string(ev.Kind)
}

// Extractor is stage one: table-driven field extraction.
type Extractor struct{}

// Process extracts one record per event. Events with no descriptor, a
// nil path step or no contract name are dropped with a warning.
func (e *Extractor) Process(events []*venue.Event) []Extracted {
	out := make([]Extracted, 0, len(events))
	for _, ev := range events {
		key := typeKey(ev)
		desc, ok := descriptors[key]
		if !ok {
			log.Warn().Str("type_key", key).Msg("extract: no descriptor, event dropped")
			continue
		}

		source := traverse(ev.Raw, desc.path)
		srcMap, ok := source.(map[string]any)
		if !ok {
			log.Warn().
				Str("type_key", key).
				Str("symbol", ev.Symbol).
				Msg("extract: path not resolvable, event dropped")
			continue
		}

		fields := make(map[string]any, len(desc.fields))
		for name, wire := range desc.fields {
			if v, ok := srcMap[wire]; ok && v != nil {
				fields[name] = v
			}
		}

		contract := asString(fields["contract_name"])
		if contract == "" {
			log.Warn().Str("type_key", key).Msg("extract: missing contract name, event dropped")
			continue
		}

		symbol := contract
		if ev.Exchange == venue.OKX {
			symbol = venue.CanonicalFromInstID(contract)
		}

		out = append(out, Extracted{
			TypeKey: key,
			Venue:   ev.Exchange,
			Symbol:  symbol,
			Fields:  fields,
		})
	}
	return out
}

// traverse walks the path into the raw frame: string steps index maps,
// int steps index arrays. Any miss returns nil.
func traverse(raw map[string]any, path []any) any {
	var current any = raw
	for _, step := range path {
		switch s := step.(type) {
		case string:
			m, ok := current.(map[string]any)
			if !ok {
				return nil
			}
			current = m[s]
		case int:
			arr, ok := current.([]any)
			if !ok || s < 0 || s >= len(arr) {
				return nil
			}
			current = arr[s]
		default:
			return nil
		}
		if current == nil {
			return nil
		}
	}
	return current
}
