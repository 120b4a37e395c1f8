package ble

import "github.com/google/uuid"

// Services.
var (
	GenericService      = uuid.MustParse("0000FE28-0000-1000-8000-00805F9B34FB")
	WifiConfigService   = uuid.MustParse("1CF0FE66-3ECF-4D6E-A9FC-E287AB124B96")
	ConnectivityService = uuid.MustParse("FCE3EC41-59B6-4873-AE36-FAB25BD59ADC")
)

// Characteristics.
var (
	DSNChar           = uuid.MustParse("00000001-FE28-435B-991A-F1B21BB9BCD0")
	ScanChar          = uuid.MustParse("1F80AF6D-2B71-4E35-94E5-00F854D8F16F")
	ScanResultChar    = uuid.MustParse("1F80AF6E-2B71-4E35-94E5-00F854D8F16F")
	ConnectChar       = uuid.MustParse("1F80AF6A-2B71-4E35-94E5-00F854D8F16F")
	ConnectStatusChar = uuid.MustParse("1F80AF6C-2B71-4E35-94E5-00F854D8F16F")
	SetupTokenChar    = uuid.MustParse("7E9869ED-4DB3-4520-88EA-1C21EF1BA834")
)

// serviceLayout lists which characteristics each service carries.
var serviceLayout = []struct {
	Service  uuid.UUID
	Chars    []uuid.UUID
	Required []uuid.UUID
}{
	{GenericService, []uuid.UUID{DSNChar}, []uuid.UUID{DSNChar}},
	{WifiConfigService,
		[]uuid.UUID{ScanChar, ScanResultChar, ConnectChar, ConnectStatusChar},
		[]uuid.UUID{ScanChar, ScanResultChar, ConnectChar, ConnectStatusChar}},
	{ConnectivityService, []uuid.UUID{SetupTokenChar}, nil},
}
