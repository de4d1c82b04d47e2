package telemetry

import "time"

// Sample is one decoded pass over the ROM's parameter list, stamped with a
// strictly increasing seq and both ISO and epoch timestamps so downstream
// consumers can pick whichever they find convenient.
type Sample struct {
	Seq      uint64             `json:"seq"`
	TsISO    string             `json:"ts_iso"`
	TsEpoch  float64            `json:"ts_epoch"`
	SysID    string             `json:"sys_id"`
	RomID    string             `json:"rom_id"`
	EcuName  string             `json:"ecu_name"`
	Profile  string             `json:"profile"`
	Metrics  map[string]float64 `json:"metrics"`
	Units    map[string]string  `json:"units"`
}

func newSample(seq uint64, sysID, romID, ecuName, profile string, metrics map[string]float64, units map[string]string) Sample {
	now := time.Now()
	return Sample{
		Seq:     seq,
		TsISO:   now.UTC().Format(time.RFC3339Nano),
		TsEpoch: float64(now.UnixNano()) / 1e9,
		SysID:   sysID,
		RomID:   romID,
		EcuName: ecuName,
		Profile: profile,
		Metrics: metrics,
		Units:   units,
	}
}

// DtcSnapshot is the retained payload published on the DTC topic.
type DtcSnapshot struct {
	SysID         string   `json:"sys_id"`
	RomID         string   `json:"rom_id"`
	Format        string   `json:"format"`
	PairsTotal    int      `json:"pairs_total"`
	BytesRead     int      `json:"bytes_read"`
	BytesTotal    int      `json:"bytes_total"`
	CountCurrent  int      `json:"count_current"`
	CountHistoric int      `json:"count_historic"`
	Current       []string `json:"current"`
	Historic      []string `json:"historic"`
	Ts            string   `json:"ts"`
}

// Heartbeat is the retained status payload and the atomically-written
// local state file — both are filled from the same counters so they never
// disagree.
type Heartbeat struct {
	State          string  `json:"state"`
	Ts             string  `json:"ts"`
	SamplesOK      uint64  `json:"samples_ok"`
	SamplesSpooled uint64  `json:"samples_spooled"`
	SamplesFailed  uint64  `json:"samples_failed"`
	SerialFailures uint64  `json:"serial_failures"`
	MqttFailures   uint64  `json:"mqtt_failures"`
	SpoolDepth     int     `json:"spool_depth"`
	LastError      string  `json:"last_error,omitempty"`
	DtcCountCurr   int     `json:"dtc_count_current"`
	DtcCountHist   int     `json:"dtc_count_historic"`
	RomID          string  `json:"rom_id,omitempty"`
	SeqLast        uint64  `json:"seq_last"`
}
