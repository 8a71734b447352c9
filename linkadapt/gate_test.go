package linkadapt

import (
	"testing"

	"github.com/signalsfoundry/macsched/model"
)

func csi(cqi model.CQI, ri uint8) model.ChannelQualityState {
	return model.ChannelQualityState{WidebandCQI: cqi, RI: ri, Slot: model.NewSlotPoint(0, 0, 0)}
}

func TestGateDecide(t *testing.T) {
	tests := []struct {
		name    string
		atTx    model.ChannelQualityState
		current model.ChannelQualityState
		margin  uint8
		want    Reason
	}{
		{"cqi drop beyond margin", csi(15, 1), csi(10, 1), 3, CQIDrop},
		{"cqi drop within margin", csi(15, 1), csi(14, 1), 3, Allowed},
		{"cqi drop equal to margin", csi(15, 1), csi(12, 1), 3, Allowed},
		{"cqi improves", csi(10, 1), csi(15, 1), 3, Allowed},
		{"rank drops", csi(15, 2), csi(15, 1), 3, RankDrop},
		{"rank equal", csi(15, 2), csi(15, 2), 3, Allowed},
		{"rank rises", csi(15, 1), csi(15, 2), 3, Allowed},
		{"zero margin any drop", csi(15, 1), csi(14, 1), 0, CQIDrop},
		{"rank unreported at tx", csi(15, 0), csi(15, 1), 3, Allowed},
		{"no report at tx", model.ChannelQualityState{}, csi(1, 1), 3, Allowed},
		{"no current report", csi(15, 2), model.ChannelQualityState{}, 3, Allowed},
	}

	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			g := NewGate(tc.margin)
			if got := g.Decide(tc.atTx, tc.current); got != tc.want {
				t.Fatalf("Decide() = %v, want %v", got, tc.want)
			}
			if got := g.SuppressRetx(tc.atTx, tc.current); got != (tc.want != Allowed) {
				t.Fatalf("SuppressRetx() = %v, want %v", got, tc.want != Allowed)
			}
		})
	}
}

func TestReasonString(t *testing.T) {
	if CQIDrop.String() != "cqi_drop" || RankDrop.String() != "ri_drop" || Allowed.String() != "allowed" {
		t.Fatalf("unexpected reason labels: %s %s %s", CQIDrop, RankDrop, Allowed)
	}
}
