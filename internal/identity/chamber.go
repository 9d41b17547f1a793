package identity

// Chamber is the closed enum of jurisdiction x chamber pairs an Electorate
// can belong to (spec section 3). Jurisdictions without regional chambers
// use the empty-string electorate-name sentinel.
type Chamber string

const (
	ChamberCommonwealthHouseOfReps    Chamber = "Commonwealth_HouseOfReps"
	ChamberCommonwealthSenate         Chamber = "Commonwealth_Senate"
	ChamberNSWLegislativeAssembly     Chamber = "NSW_LegislativeAssembly"
	ChamberNSWLegislativeCouncil      Chamber = "NSW_LegislativeCouncil"
	ChamberVicLegislativeAssembly     Chamber = "Vic_LegislativeAssembly"
	ChamberVicLegislativeCouncil      Chamber = "Vic_LegislativeCouncil"
	ChamberQldLegislativeAssembly     Chamber = "Qld_LegislativeAssembly"
	ChamberWALegislativeAssembly      Chamber = "WA_LegislativeAssembly"
	ChamberWALegislativeCouncil       Chamber = "WA_LegislativeCouncil"
	ChamberSALegislativeAssembly      Chamber = "SA_HouseOfAssembly"
	ChamberSALegislativeCouncil       Chamber = "SA_LegislativeCouncil"
	ChamberTasHouseOfAssembly         Chamber = "Tas_HouseOfAssembly"
	ChamberTasLegislativeCouncil      Chamber = "Tas_LegislativeCouncil"
	ChamberACTLegislativeAssembly     Chamber = "ACT_LegislativeAssembly"
	ChamberNTLegislativeAssembly      Chamber = "NT_LegislativeAssembly"
)

var validChambers = map[Chamber]bool{
	ChamberCommonwealthHouseOfReps: true,
	ChamberCommonwealthSenate:      true,
	ChamberNSWLegislativeAssembly:  true,
	ChamberNSWLegislativeCouncil:   true,
	ChamberVicLegislativeAssembly:  true,
	ChamberVicLegislativeCouncil:   true,
	ChamberQldLegislativeAssembly:  true,
	ChamberWALegislativeAssembly:   true,
	ChamberWALegislativeCouncil:    true,
	ChamberSALegislativeAssembly:   true,
	ChamberSALegislativeCouncil:    true,
	ChamberTasHouseOfAssembly:      true,
	ChamberTasLegislativeCouncil:   true,
	ChamberACTLegislativeAssembly:  true,
	ChamberNTLegislativeAssembly:   true,
}

// chambersWithoutRegions have no sub-electorates; callers must supply the
// empty-string sentinel as the electorate name.
var chambersWithoutRegions = map[Chamber]bool{
	ChamberCommonwealthSenate:    true,
	ChamberVicLegislativeCouncil: true,
	ChamberWALegislativeCouncil:  true,
	ChamberSALegislativeCouncil:  true,
	ChamberTasLegislativeCouncil: true,
	ChamberACTLegislativeAssembly: true,
	ChamberNTLegislativeAssembly:  true,
}

// Electorate is a canonicalised (chamber, electorate-name) pair.
type Electorate struct {
	Chamber Chamber `json:"chamber"`
	Name    string  `json:"name"`
}

// Valid reports whether e names a legal chamber/name combination.
func (e Electorate) Valid() bool {
	if !validChambers[e.Chamber] {
		return false
	}
	if chambersWithoutRegions[e.Chamber] {
		return e.Name == ""
	}
	return e.Name != ""
}
