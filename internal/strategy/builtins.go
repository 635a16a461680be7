package strategy

// 内置策略类型名
const (
	TypeCondition     = "condition"
	TypeMovingAverage = "moving_average"
	TypeGrid          = "grid"
)

// RegisterBuiltins 注册全部内置策略类型
func RegisterBuiltins(m *Manager) error {
	for name, f := range map[string]Factory{
		TypeCondition:     newConditionStrategy,
		TypeMovingAverage: newMAStrategy,
		TypeGrid:          newGridStrategy,
	} {
		if err := m.Register(name, f); err != nil {
			return err
		}
	}
	return nil
}
