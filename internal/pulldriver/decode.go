package pulldriver

import (
	"encoding/xml"
	"fmt"
	"strings"
)

// stixObservable is the narrow slice of a STIX/CybOX observable this
// driver understands: an address, domain name, or URI object. Richer
// observable composition is out of scope, matching the upstream
// driver's own "not supported yet" limitation.
type stixObservable struct {
	XMLName  xml.Name `xml:"Observable"`
	ID       string   `xml:"id,attr"`
	IDRef    string   `xml:"idref,attr"`
	Object   struct {
		Properties struct {
			XSIType      string `xml:"type,attr"`
			AddressValue string `xml:"Address_Value"`
			Category     string `xml:"category,attr"`
			IsSource     string `xml:"is_source,attr"`
			Value        string `xml:"Value"`
		} `xml:"Properties"`
	} `xml:"Object"`
}

type stixTTP struct {
	XMLName     xml.Name `xml:"TTP"`
	ID          string   `xml:"id,attr"`
	IDRef       string   `xml:"idref,attr"`
	Title       string   `xml:"Title"`
	Description string   `xml:"Description"`
}

type stixIndicator struct {
	XMLName       xml.Name         `xml:"Indicator"`
	ID            string           `xml:"id,attr"`
	Timestamp     string           `xml:"timestamp,attr"`
	Confidence    string           `xml:"Confidence>Value"`
	Observable    *stixObservable  `xml:"Observable"`
	Observables   []stixObservable `xml:"Observables>Observable"`
	IndicatedTTPs []struct {
		TTP stixTTP `xml:"TTP"`
	} `xml:"Indicated_TTP"`
}

type stixPackage struct {
	XMLName     xml.Name         `xml:"STIX_Package"`
	Indicators  []stixIndicator  `xml:"Indicators>Indicator"`
	Observables []stixObservable `xml:"Observables>Observable"`
	TTPs        []stixTTP        `xml:"TTPs>TTP"`
}

// decodedObservable is the normalized form of one observable: an
// indicator value tagged with its flowcore type, plus the address
// object's optional traffic direction.
type decodedObservable struct {
	idref     string
	kind      string // "IPv4", "IPv6", "domain", "URL"
	indicator string
	direction string // "inbound", "outbound", or "" if unset
}

const (
	xsiTypeDomain  = "DomainNameObjectType"
	xsiTypeAddress = "AddressObjectType"
	xsiTypeURI     = "URIObjectType"

	addressCategoryIPv6 = "ipv6-addr"
)

func decodeObservable(o *stixObservable) (*decodedObservable, error) {
	if o.IDRef != "" {
		return &decodedObservable{idref: o.IDRef}, nil
	}

	props := o.Object.Properties
	switch props.XSIType {
	case xsiTypeDomain:
		return &decodedObservable{kind: "domain", indicator: props.Value}, nil
	case xsiTypeAddress:
		kind := "IPv4"
		if props.Category == addressCategoryIPv6 {
			kind = "IPv6"
		}
		return &decodedObservable{kind: kind, indicator: props.AddressValue, direction: addressDirection(props.IsSource)}, nil
	case xsiTypeURI:
		return &decodedObservable{kind: "URL", indicator: props.Value}, nil
	default:
		return nil, fmt.Errorf("pulldriver: unknown observable type %q", props.XSIType)
	}
}

// addressDirection maps an Address object's is_source attribute to a
// direction attribute.
func addressDirection(isSource string) string {
	switch strings.ToLower(isSource) {
	case "true":
		return "inbound"
	case "false":
		return "outbound"
	default:
		return ""
	}
}

// decodedTTP mirrors the upstream driver's minimal TTP decode: follow an
// idref, else fall back to description, else title, else empty.
type decodedTTP struct {
	idref       string
	description string
}

func decodeTTP(t *stixTTP) decodedTTP {
	if t.IDRef != "" {
		return decodedTTP{idref: t.IDRef}
	}
	if t.Description != "" {
		return decodedTTP{description: t.Description}
	}
	if t.Title != "" {
		return decodedTTP{description: t.Title}
	}
	return decodedTTP{}
}

// decodedIndicator is one content-block indicator, keyed by its STIX id,
// with its confidence (if mapped) and every contributing observable.
type decodedIndicator struct {
	confidence  *int
	observables []decodedObservable
	ttps        []decodedTTP
}

// decodeContentBlocks parses a batch of raw STIX XML content blocks,
// folding indicators/observables/ttps into the running collections the
// way taxii.py's _handle_content_blocks accumulates across fulfillment
// pages.
func decodeContentBlocks(blocks []contentBlock, confidenceMap map[string]int, indicators map[string]*decodedIndicator, observables map[string]decodedObservable, ttps map[string]decodedTTP) error {
	for _, cb := range blocks {
		if cb.ContentBindingID != contentBindingSTIX111 {
			continue
		}

		var pkg stixPackage
		if err := xml.Unmarshal([]byte(cb.Content), &pkg); err != nil {
			return fmt.Errorf("pulldriver: parse content block: %w", err)
		}

		for i := range pkg.Indicators {
			ind := pkg.Indicators[i]
			di := &decodedIndicator{}

			if ind.Confidence != "" {
				if v, ok := confidenceMap[strings.ToLower(ind.Confidence)]; ok {
					di.confidence = &v
				}
			}

			if ind.Observable != nil {
				if do, err := decodeObservable(ind.Observable); err == nil {
					di.observables = append(di.observables, *do)
				}
			}
			for j := range ind.Observables {
				if do, err := decodeObservable(&ind.Observables[j]); err == nil {
					di.observables = append(di.observables, *do)
				}
			}
			for _, wrap := range ind.IndicatedTTPs {
				di.ttps = append(di.ttps, decodeTTP(&wrap.TTP))
			}

			indicators[ind.ID] = di
		}

		for i := range pkg.Observables {
			if do, err := decodeObservable(&pkg.Observables[i]); err == nil {
				observables[pkg.Observables[i].ID] = *do
			}
		}

		for i := range pkg.TTPs {
			ttps[pkg.TTPs[i].ID] = decodeTTP(&pkg.TTPs[i])
		}
	}
	return nil
}
