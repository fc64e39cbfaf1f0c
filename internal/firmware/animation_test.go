package firmware

import (
	"context"
	"reflect"
	"testing"

	"github.com/KevinKickass/OpenLabCore/internal/hardware"
	"go.uber.org/zap/zaptest"
)

func TestAnimationHandler(t *testing.T) {
	ctx := context.Background()

	tests := []struct {
		name        string
		initialized bool
		steps       func(a *AnimationHandler)
		want        []hardware.StatusBarState
	}{
		{
			name: "single update before init",
			steps: func(a *AnimationHandler) {
				a.UpdateStarted(ctx, hardware.SubsystemGantryX)
				a.UpdateComplete(ctx, hardware.SubsystemGantryX)
			},
			want: []hardware.StatusBarState{hardware.StatusBarUpdating, hardware.StatusBarOff},
		},
		{
			name:        "single update after init",
			initialized: true,
			steps: func(a *AnimationHandler) {
				a.UpdateStarted(ctx, hardware.SubsystemGantryX)
				a.UpdateComplete(ctx, hardware.SubsystemGantryX)
			},
			want: []hardware.StatusBarState{hardware.StatusBarUpdating, hardware.StatusBarIdle},
		},
		{
			name:        "overlapping updates animate once",
			initialized: true,
			steps: func(a *AnimationHandler) {
				a.UpdateStarted(ctx, hardware.SubsystemGantryX)
				a.UpdateStarted(ctx, hardware.SubsystemHead)
				a.UpdateComplete(ctx, hardware.SubsystemGantryX)
				a.UpdateComplete(ctx, hardware.SubsystemHead)
			},
			want: []hardware.StatusBarState{hardware.StatusBarUpdating, hardware.StatusBarIdle},
		},
		{
			name:        "rear panel owns the bar",
			initialized: true,
			steps: func(a *AnimationHandler) {
				a.UpdateStarted(ctx, hardware.SubsystemRearPanel)
				a.UpdateStarted(ctx, hardware.SubsystemHead)
				a.UpdateComplete(ctx, hardware.SubsystemRearPanel)
				a.UpdateComplete(ctx, hardware.SubsystemHead)
			},
			want: []hardware.StatusBarState{hardware.StatusBarUpdating, hardware.StatusBarIdle},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			hw := newFakeHardware()
			a := NewAnimationHandler(hw, zaptest.NewLogger(t))
			if tt.initialized {
				a.MarkInitialized()
			}
			tt.steps(a)

			if got := hw.barStates(); !reflect.DeepEqual(got, tt.want) {
				t.Fatalf("status bar = %v, want %v", got, tt.want)
			}
			if a.Active() {
				t.Fatal("Active() after every update completed")
			}
		})
	}
}
