// Package nut06 contains structs as defined in [NUT-06]
//
// [NUT-06]: https://github.com/cashubtc/nuts/blob/main/06.md
package nut06

type MintInfo struct {
	Name            string        `json:"name"`
	Pubkey          string        `json:"pubkey"`
	Version         string        `json:"version"`
	Description     string        `json:"description"`
	LongDescription string        `json:"description_long,omitempty"`
	Contact         []ContactInfo `json:"contact,omitempty"`
	Motd            string        `json:"motd,omitempty"`
	IconURL         string        `json:"icon_url,omitempty"`
	URLs            []string      `json:"urls,omitempty"`
	Time            int64         `json:"time,omitempty"`
	Nuts            Nuts          `json:"nuts"`
}

type ContactInfo struct {
	Method string `json:"method"`
	Info   string `json:"info"`
}

type NutSetting struct {
	Methods  []MethodSetting `json:"methods"`
	Disabled bool            `json:"disabled"`
}

type MethodSetting struct {
	Method    string `json:"method"`
	Unit      string `json:"unit"`
	MinAmount uint64 `json:"min_amount,omitempty"`
	MaxAmount uint64 `json:"max_amount,omitempty"`
}

type Supported struct {
	Supported bool `json:"supported"`
}

// Nuts advertises exactly the capabilities duskmint implements: the core
// token model (NUT-00..03, implicit in the presence of this document),
// bolt11 mint/melt (NUT-04/05), this info document (NUT-06), the optional
// spend-state check (NUT-07), and Lightning fee-return change outputs
// (NUT-08). Every other NUT is a documented Non-goal.
type Nuts struct {
	Nut04 NutSetting `json:"4"`
	Nut05 NutSetting `json:"5"`
	Nut07 Supported  `json:"7"`
	Nut08 Supported  `json:"8"`
}
