// Package catalog resolves manufacturers to transponder ids and ids to the
// slow-changing descriptive attributes of each airframe. The tracking core
// treats it as a read-only collaborator.
package catalog

// StaticMetadata holds the descriptive attributes of one airframe, immutable
// within a session.
type StaticMetadata struct {
	ICAO         string `json:"icao24"`
	Manufacturer string `json:"manufacturer"`
	Model        string `json:"model"`
	Registration string `json:"registration"` // N-number or foreign equivalent
	OwnerName    string `json:"owner_name"`
	OwnerCity    string `json:"owner_city"`
	OwnerState   string `json:"owner_state"`
	OwnerType    string `json:"owner_type"`    // Owner-type code (individual, corporation, government, ...)
	AircraftType string `json:"aircraft_type"` // Airframe type code
}

// Catalog is the static metadata lookup consumed by the tracking core.
type Catalog interface {
	// IcaosForManufacturer returns all known transponder ids for a
	// manufacturer. An empty result is not an error.
	IcaosForManufacturer(manufacturer string) ([]string, error)

	// Metadata returns the static attributes for one id.
	Metadata(icao string) (StaticMetadata, bool)

	// MetadataBatch returns attributes for many ids in one call; ids without
	// a catalog entry are simply absent from the result.
	MetadataBatch(icaos []string) (map[string]StaticMetadata, error)

	// Manufacturers lists the distinct manufacturer names in the catalog.
	Manufacturers() ([]string, error)
}
