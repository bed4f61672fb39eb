package state

import (
	"testing"
	"time"
)

func TestConfigTableSeconds(t *testing.T) {
	db, close := connectToDB(t)
	defer close()
	table := NewConfigTable(db)
	device := "TestConfigTableSeconds_S1"
	key := "TEST_DELAY_SECONDS"

	got, err := table.Seconds(device, key, 20*time.Second)
	assertNoError(t, err)
	if got != 20*time.Second {
		t.Errorf("no values: got %v want default", got)
	}

	assertNoError(t, table.SetSystemValue(key, "0.5"))
	got, err = table.Seconds(device, key, 20*time.Second)
	assertNoError(t, err)
	if got != 500*time.Millisecond {
		t.Errorf("system value: got %v want 500ms", got)
	}

	assertNoError(t, table.SetDeviceValue(device, key, "30"))
	got, err = table.Seconds(device, key, 20*time.Second)
	assertNoError(t, err)
	if got != 30*time.Second {
		t.Errorf("device override: got %v want 30s", got)
	}

	t.Log("A garbage device value falls back to the system value.")
	assertNoError(t, table.SetDeviceValue(device, key, "soon"))
	got, err = table.Seconds(device, key, 20*time.Second)
	assertNoError(t, err)
	if got != 500*time.Millisecond {
		t.Errorf("bad device value: got %v want system 500ms", got)
	}

	values, err := table.DeviceValues(device)
	assertNoError(t, err)
	if len(values) != 1 || values[key] != "soon" {
		t.Errorf("DeviceValues got %v", values)
	}
}

func TestDevicesTable(t *testing.T) {
	db, close := connectToDB(t)
	defer close()
	table := NewDevicesTable(db)
	now := time.Now().UTC().Truncate(time.Millisecond)

	assertNoError(t, table.Upsert(Device{
		DeviceID: "TestDevicesTable_A", Serial: "00A1", LocationID: 1,
		Transport: "network", Address: "10.0.0.5:6000", Status: DeviceOnline, LastSeen: &now,
	}))
	assertNoError(t, table.SetAutoConnect("TestDevicesTable_A", true))

	t.Log("Reconnecting elsewhere keeps the operator's auto_connect choice.")
	assertNoError(t, table.Upsert(Device{
		DeviceID: "TestDevicesTable_A", Serial: "00A1", LocationID: 2,
		Transport: "com", Address: "/dev/ttyUSB0@115200", Status: DeviceOnline, LastSeen: &now,
	}))
	d, err := table.Select("TestDevicesTable_A")
	assertNoError(t, err)
	if d.LocationID != 2 || d.Transport != "com" || !d.AutoConnect || d.Name != "TestDevicesTable_A" {
		t.Errorf("after upsert got %+v", d)
	}

	assertNoError(t, table.SetStatus("TestDevicesTable_A", DeviceOffline, now))
	auto, err := table.SelectAutoConnect()
	assertNoError(t, err)
	found := false
	for _, dev := range auto {
		if dev.DeviceID == "TestDevicesTable_A" {
			found = true
			if dev.Status != DeviceOffline {
				t.Errorf("status got %s want offline", dev.Status)
			}
		}
	}
	if !found {
		t.Errorf("SelectAutoConnect missing device: %+v", auto)
	}
}
