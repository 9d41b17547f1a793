package identity

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestElectorateValid(t *testing.T) {
	tests := []struct {
		name string
		e    Electorate
		want bool
	}{
		{"regional chamber with name", Electorate{Chamber: ChamberNSWLegislativeAssembly, Name: "Summer Hill"}, true},
		{"regional chamber missing name", Electorate{Chamber: ChamberNSWLegislativeAssembly, Name: ""}, false},
		{"regionless chamber with empty sentinel", Electorate{Chamber: ChamberCommonwealthSenate, Name: ""}, true},
		{"regionless chamber with stray name", Electorate{Chamber: ChamberCommonwealthSenate, Name: "NSW"}, false},
		{"unknown chamber", Electorate{Chamber: Chamber("Narnia_Parliament"), Name: "Cair Paravel"}, false},
	}
	for _, test := range tests {
		t.Run(test.name, func(t *testing.T) {
			assert.Equal(t, test.want, test.e.Valid())
		})
	}
}
