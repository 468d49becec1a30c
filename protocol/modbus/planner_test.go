package modbus

import (
	"testing"

	"github.com/stretchr/testify/assert"

	"github.com/voltage-ems/core/protocol"
)

func TestPlanReadsCoalescesContiguousSpan(t *testing.T) {
	points := []Point{
		{PointID: 1, SlaveID: 1, FunctionCode: FuncReadHoldingRegisters, RegisterAddress: 100, DataType: protocol.Uint16},
		{PointID: 2, SlaveID: 1, FunctionCode: FuncReadHoldingRegisters, RegisterAddress: 101, DataType: protocol.Uint16},
		{PointID: 3, SlaveID: 1, FunctionCode: FuncReadHoldingRegisters, RegisterAddress: 102, DataType: protocol.Uint16},
	}

	groups := PlanReads(points, DefaultPlannerConfig())
	assert.Len(t, groups, 1)
	assert.EqualValues(t, 100, groups[0].StartAddress)
	assert.EqualValues(t, 3, groups[0].Count)
}

func TestPlanReadsSplitsOnGapExceedingMaxGap(t *testing.T) {
	points := []Point{
		{PointID: 1, SlaveID: 1, FunctionCode: FuncReadHoldingRegisters, RegisterAddress: 100, DataType: protocol.Uint16},
		{PointID: 2, SlaveID: 1, FunctionCode: FuncReadHoldingRegisters, RegisterAddress: 200, DataType: protocol.Uint16},
	}

	cfg := DefaultPlannerConfig()
	groups := PlanReads(points, cfg)
	assert.Len(t, groups, 2)
}

func TestPlanReadsGroupsBySlaveAndFunctionCode(t *testing.T) {
	points := []Point{
		{PointID: 1, SlaveID: 1, FunctionCode: FuncReadHoldingRegisters, RegisterAddress: 100, DataType: protocol.Uint16},
		{PointID: 2, SlaveID: 2, FunctionCode: FuncReadHoldingRegisters, RegisterAddress: 100, DataType: protocol.Uint16},
		{PointID: 3, SlaveID: 1, FunctionCode: FuncReadInputRegisters, RegisterAddress: 100, DataType: protocol.Uint16},
	}

	groups := PlanReads(points, DefaultPlannerConfig())
	assert.Len(t, groups, 3)
}

func TestPlanReadsRespectsMaxRegistersCeiling(t *testing.T) {
	var points []Point
	for i := 0; i < 150; i++ {
		points = append(points, Point{
			PointID: uint32(i), SlaveID: 1, FunctionCode: FuncReadHoldingRegisters,
			RegisterAddress: uint16(i), DataType: protocol.Uint16,
		})
	}

	cfg := DefaultPlannerConfig()
	groups := PlanReads(points, cfg)
	assert.Greater(t, len(groups), 1, "150 consecutive registers must split at the 100-register ceiling")
	for _, g := range groups {
		assert.LessOrEqual(t, g.Count, cfg.MaxRegistersPerRead)
	}
}

func TestPlanReadsDeterministicOrder(t *testing.T) {
	points := []Point{
		{PointID: 1, SlaveID: 2, FunctionCode: FuncReadHoldingRegisters, RegisterAddress: 50, DataType: protocol.Uint16},
		{PointID: 2, SlaveID: 1, FunctionCode: FuncReadHoldingRegisters, RegisterAddress: 10, DataType: protocol.Uint16},
	}

	groups := PlanReads(points, DefaultPlannerConfig())
	assert.Len(t, groups, 2)
	assert.EqualValues(t, 1, groups[0].SlaveID)
	assert.EqualValues(t, 2, groups[1].SlaveID)
}

func TestPlanWritesUsesMultiForConsecutive(t *testing.T) {
	cmds := []BatchCommand{
		{PointID: 1, SlaveID: 1, FunctionCode: FuncWriteSingleRegister, RegisterAddress: 100, DataType: "uint16"},
		{PointID: 2, SlaveID: 1, FunctionCode: FuncWriteSingleRegister, RegisterAddress: 101, DataType: "uint16"},
	}
	plan := PlanWrites(1, FuncWriteSingleRegister, cmds)
	assert.True(t, plan.Multi)
	assert.EqualValues(t, 100, plan.StartAddress)
}

func TestPlanWritesFallsBackToSingleForGap(t *testing.T) {
	cmds := []BatchCommand{
		{PointID: 1, SlaveID: 1, FunctionCode: FuncWriteSingleRegister, RegisterAddress: 100, DataType: "uint16"},
		{PointID: 2, SlaveID: 1, FunctionCode: FuncWriteSingleRegister, RegisterAddress: 105, DataType: "uint16"},
	}
	plan := PlanWrites(1, FuncWriteSingleRegister, cmds)
	assert.False(t, plan.Multi)
}

func TestPlanWritesSingleCommandIsNeverMulti(t *testing.T) {
	cmds := []BatchCommand{
		{PointID: 1, SlaveID: 1, FunctionCode: FuncWriteSingleRegister, RegisterAddress: 100, DataType: "uint16"},
	}
	plan := PlanWrites(1, FuncWriteSingleRegister, cmds)
	assert.False(t, plan.Multi)
}
