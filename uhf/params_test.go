package uhf

import (
	"errors"
	"testing"
)

func TestParseParam(t *testing.T) {
	testCases := []struct {
		key     string
		value   string
		want    int
		wantErr bool
	}{
		{key: KeyWorkMode, value: "1", want: 1},
		{key: KeyWorkMode, value: "3", wantErr: true},
		{key: KeyRfPower, value: "33", want: 33},
		{key: KeyRfPower, value: "34", wantErr: true},
		{key: KeyAntenna, value: "0", wantErr: true},
		{key: KeyAntenna, value: "16", want: 16},
		{key: KeyQValue, value: "15", want: 15},
		{key: KeySession, value: "4", wantErr: true},
		{key: KeyFreqBand, value: "0x80", want: 128},
		{key: KeyFreqBand, value: "255", want: 255},
		{key: KeyFreqBand, value: "0x100", wantErr: true},
		{key: KeyFreqBand, value: "0X1A", want: 26},
		{key: KeyFreqBand, value: "010", want: 10},
		{key: KeyFreqBand, value: "0b1", wantErr: true},
		{key: KeyFreqBand, value: "0o7", wantErr: true},
		{key: KeyFreqBand, value: "1_0", wantErr: true},
		{key: KeyRfPower, value: "010", want: 10},
		{key: KeyRfPower, value: "0x10", wantErr: true},
		{key: KeyRfPower, value: "abc", wantErr: true},
		{key: "BAUDRATE", value: "4", wantErr: true},
	}
	for _, tc := range testCases {
		got, err := ParseParam(tc.key, tc.value)
		if tc.wantErr {
			if !errors.Is(err, ErrInvalidParam) {
				t.Errorf("ParseParam(%s, %s): got err %v want ErrInvalidParam", tc.key, tc.value, err)
			}
			continue
		}
		if err != nil {
			t.Errorf("ParseParam(%s, %s): %s", tc.key, tc.value, err)
			continue
		}
		if got != tc.want {
			t.Errorf("ParseParam(%s, %s): got %d want %d", tc.key, tc.value, got, tc.want)
		}
	}
}

func TestParamsApply(t *testing.T) {
	p := Params{RFPower: 20, Region: 1}
	q := p.Apply(KeyRfPower, 30).Apply(KeyFreqBand, 0x80)
	if q.RFPower != 30 || q.Region != 0x80 {
		t.Fatalf("Apply did not set fields: %+v", q)
	}
	if p.RFPower != 20 {
		t.Fatalf("Apply mutated the receiver")
	}
}

func TestBaudCodes(t *testing.T) {
	for baud, code := range BaudCodes {
		if BaudFromCode(code) != baud {
			t.Errorf("BaudFromCode(%d) got %d want %d", code, BaudFromCode(code), baud)
		}
	}
	d := Descriptor{Transport: TransportSerial, Address: "/dev/ttyUSB0@115200"}
	port, baud, err := d.SerialAddress()
	if err != nil || port != "/dev/ttyUSB0" || baud != 115200 {
		t.Fatalf("SerialAddress got %s %d %v", port, baud, err)
	}
	if err := (Descriptor{Transport: TransportSerial, Address: "COM3@1234"}).Validate(); err == nil {
		t.Errorf("unsupported baud rate should fail validation")
	}
	if err := (Descriptor{Transport: "bluetooth", Address: "x"}).Validate(); err == nil {
		t.Errorf("unknown transport should fail validation")
	}
}
