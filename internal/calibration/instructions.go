package calibration

import "fmt"

// Instruction is the operator guidance for the current step.
type Instruction struct {
	Header string
	Text   string
	Button string
}

const completeText = "Calibration is complete. The new calibration applies to readings immediately."

func positionHint(countdown bool, seconds int, fallback string) string {
	if countdown {
		return fmt.Sprintf(" You'll have %d seconds to get into position after pressing calibrate.", seconds)
	}
	return " " + fallback
}

func oneAxisInstruction(m *OneAxis, countdown bool, seconds int) Instruction {
	switch m.Active() {
	case Bend:
		switch m.Step() {
		case oneAxisFirst:
			return Instruction{"Flat", "Lay the sensor fully flat with no bend at all." +
				positionHint(countdown, seconds, "Then press calibrate."), "Calibrate"}
		case oneAxisSecond:
			return Instruction{"Bend Perpendicular", "Bend the sensor upward to 90 degrees so it is perpendicular to the board." +
				positionHint(countdown, seconds, "Hold it there and press calibrate."), "Calibrate"}
		default:
			if m.Chained() {
				return Instruction{"Complete!", "Bend calibration is complete. Stretch is next.", "Ok"}
			}
			return Instruction{"Complete!", completeText, "Ok"}
		}
	case Stretch:
		switch m.Step() {
		case oneAxisFirst:
			return Instruction{"No stretch", "Flatten the sensor without bending or stretching it." +
				positionHint(countdown, seconds, "Then press calibrate."), "Calibrate"}
		case oneAxisSecond:
			return Instruction{"30mm stretch", "Stretch the sensor by 30mm." +
				positionHint(countdown, seconds, "Keep it extended and press calibrate."), "Calibrate"}
		default:
			if m.Chained() {
				return Instruction{"Complete!", "Stretch calibration is complete. Bend is next.", "Ok"}
			}
			return Instruction{"Complete!", completeText, "Ok"}
		}
	}
	if len(m.Pending()) > 0 {
		return Instruction{"Calibrate", "Calibration was cleared. Bend and stretch both need calibrating.", "Begin"}
	}
	return Instruction{"Calibrate", "Choose bend or stretch calibration.", ""}
}

func twoAxisInstruction(m *TwoAxis, countdown bool, seconds int) Instruction {
	switch m.Step() {
	case 0:
		return Instruction{"3 step process", "This walks you through three reference positions.", "Begin"}
	case 1:
		return Instruction{"Flat", "Lay the sensor flat on a surface with no bend in either direction." +
			positionHint(countdown, seconds, "Then press calibrate."), "Calibrate"}
	case 2:
		return Instruction{"Bend 90° Vertically", "Bend the sensor 90 degrees vertically so the tip points straight up from the board." +
			positionHint(countdown, seconds, "Hold it there and press calibrate."), "Calibrate"}
	case 3:
		return Instruction{"Bend 90° Horizontally", "Release the sensor, then bend it 90 degrees sideways in the plane of the board." +
			positionHint(countdown, seconds, "Hold it there and press calibrate."), "Calibrate"}
	default:
		return Instruction{"Complete!", completeText, "Ok"}
	}
}
