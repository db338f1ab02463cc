package zcl

import (
	"errors"
	"reflect"
	"testing"
)

func TestEncodeDecodeMessages(t *testing.T) {
	key := [16]byte{0, 1, 2, 3, 4, 5, 6, 7, 8, 9, 10, 11, 12, 13, 14, 15}
	join := JoinParams{
		TransactionID: 0x11223344, ExtPanID: 0xDDCCBBAA00112233, KeyIndex: 4,
		EncryptedKey: key, UpdateID: 7, Channel: 20, PanID: 0x1A62, NetworkAddress: 0x0003,
		GroupBegin: 1, GroupEnd: 2, FreeAddrBegin: 0x7FFB, FreeAddrEnd: 0xFFF7,
		FreeGroupBegin: 0x7F80, FreeGroupEnd: 0xFEFF,
	}

	tests := []struct {
		name string
		msg  Message
	}{
		{"scan request", &ScanRequest{TransactionID: 0xCAFEBABE, ZigbeeInfo: 0x05, ZLLInfo: 0x11}},
		{"scan response single endpoint", &ScanResponse{
			TransactionID: 1, RSSICorrection: 3, ZigbeeInfo: 0x05, ZLLInfo: 0x03, KeyBitmask: 0x8011,
			ResponseID: 2, ExtPanID: 0x0102030405060708, UpdateID: 9, Channel: 11, PanID: 0xBEEF,
			NetworkAddress: 0xFFFF, SubDevices: 1, TotalGroups: 1, Endpoint: 11, ProfileID: ProfileZLL,
			DeviceID: 0x0210, Version: 2, GroupCount: 1,
		}},
		{"scan response multi endpoint", &ScanResponse{TransactionID: 1, SubDevices: 3, TotalGroups: 2}},
		{"device info request", &DeviceInfoRequest{TransactionID: 5, StartIndex: 2}},
		{"device info response", &DeviceInfoResponse{TransactionID: 5, SubDevices: 2, StartIndex: 0, Records: []DeviceInfoRecord{
			{IEEE: 0x00124B0001020304, Endpoint: 1, ProfileID: 0x0104, DeviceID: 0x0100, Version: 1, GroupCount: 0, Sort: 0},
			{IEEE: 0x00124B0001020304, Endpoint: 2, ProfileID: ProfileZLL, DeviceID: 0x0210, Version: 2, GroupCount: 1, Sort: 1},
		}}},
		{"identify", &IdentifyRequest{TransactionID: 9, Duration: 3}},
		{"factory reset", &FactoryResetRequest{TransactionID: 10}},
		{"network start request", &NetworkStartRequest{
			TransactionID: 1, ExtPanID: 0, KeyIndex: 0, EncryptedKey: key, Channel: 0, PanID: 0,
			NetworkAddress: 2, GroupBegin: 1, GroupEnd: 1, FreeAddrBegin: 0x7FFC, FreeAddrEnd: 0xFFF7,
			InitiatorIEEE: 0x00124B0001020304, InitiatorAddress: 1,
		}},
		{"network start response", &NetworkStartResponse{TransactionID: 1, Status: StatusSuccess, ExtPanID: 42, UpdateID: 0, Channel: 15, PanID: 0x1234}},
		{"join router request", &JoinRouterRequest{JoinParams: join}},
		{"join end device request", &JoinEndDeviceRequest{JoinParams: join}},
		{"join router response", &JoinRouterResponse{TransactionID: 1, Status: StatusFailure}},
		{"join end device response", &JoinEndDeviceResponse{TransactionID: 1, Status: StatusSuccess}},
		{"network update", &NetworkUpdateRequest{TransactionID: 3, ExtPanID: 42, UpdateID: 200, Channel: 25, PanID: 0x1234, NetworkAddress: 0x4444}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			frame := Encode(0x42, tt.msg)
			hdr, got, err := Decode(frame)
			if err != nil {
				t.Fatalf("decode: %v", err)
			}
			if hdr.Seq != 0x42 {
				t.Errorf("seq = 0x%02X, want 0x42", hdr.Seq)
			}
			if hdr.Command != tt.msg.CommandID() {
				t.Errorf("command = 0x%02X, want 0x%02X", hdr.Command, tt.msg.CommandID())
			}
			if hdr.Direction() != tt.msg.Direction() {
				t.Errorf("direction = %s, want %s", hdr.Direction(), tt.msg.Direction())
			}
			if !reflect.DeepEqual(got, tt.msg) {
				t.Errorf("decoded %+v, want %+v", got, tt.msg)
			}
		})
	}
}

func TestScanRequestWireLayout(t *testing.T) {
	frame := Encode(1, &ScanRequest{TransactionID: 0x04030201, ZigbeeInfo: 0x05, ZLLInfo: 0x11})
	want := []byte{0x11, 0x01, 0x00, 0x01, 0x02, 0x03, 0x04, 0x05, 0x11}
	if !reflect.DeepEqual(frame, want) {
		t.Errorf("frame = % X, want % X", frame, want)
	}

	rsp := Encode(1, &JoinRouterResponse{TransactionID: 1})
	if rsp[0] != FrameTypeCluster|DisableDefaultResp|DirServerToClient {
		t.Errorf("response frame control = 0x%02X", rsp[0])
	}
}

func TestScanResponseOmitsEndpointForMultipleSubDevices(t *testing.T) {
	single := Encode(0, &ScanResponse{SubDevices: 1})
	multi := Encode(0, &ScanResponse{SubDevices: 2})
	if len(single)-len(multi) != 7 {
		t.Errorf("single=%d multi=%d bytes, want 7 byte difference", len(single), len(multi))
	}
}

func TestDecodeRejectsTruncated(t *testing.T) {
	full := Encode(0, &NetworkStartRequest{TransactionID: 1})
	for _, n := range []int{0, 2, 3, 10, len(full) - 1} {
		if _, _, err := Decode(full[:n]); !errors.Is(err, ErrTruncated) {
			t.Errorf("len %d: err = %v, want ErrTruncated", n, err)
		}
	}

	info := Encode(0, &DeviceInfoResponse{TransactionID: 1, Records: []DeviceInfoRecord{{Endpoint: 1}}})
	info[9] = 5 // claim five records, carry one
	if _, _, err := Decode(info); !errors.Is(err, ErrTruncated) {
		t.Errorf("record count: err = %v, want ErrTruncated", err)
	}
}

func TestDecodeRejectsForeignFrames(t *testing.T) {
	if _, _, err := Decode([]byte{0x11, 0x00, 0x40}); !errors.Is(err, ErrUnknownCommand) {
		t.Errorf("unknown command: err = %v", err)
	}
	if _, _, err := Decode([]byte{FrameTypeGlobal, 0x00, 0x0A}); err == nil {
		t.Error("expected error for global frame")
	}
}

func TestDecodeManufacturerSpecific(t *testing.T) {
	frame := []byte{FrameTypeCluster | FlagMfrSpecific, 0x5F, 0x11, 0x07, CmdFactoryResetRequest, 1, 0, 0, 0}
	hdr, msg, err := Decode(frame)
	if err != nil {
		t.Fatal(err)
	}
	if hdr.MfrCode != 0x115F || hdr.Seq != 7 {
		t.Errorf("header = %+v", hdr)
	}
	if msg.Transaction() != 1 {
		t.Errorf("transaction = %d", msg.Transaction())
	}
}

func TestCommandName(t *testing.T) {
	if got := CommandName(CmdScanResponse, DirectionToClient); got != "ScanResponse" {
		t.Errorf("got %q", got)
	}
	if got := CommandName(CmdScanResponse, DirectionToServer); got != "0x01" {
		t.Errorf("wrong direction: got %q", got)
	}
	if TouchlinkCommissioning.FindCommand(CmdNetworkUpdateRequest, DirectionToServer) == nil {
		t.Error("NetworkUpdateRequest not defined")
	}
}
