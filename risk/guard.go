package risk

// Execution 提交前待检查的一次兑换。
type Execution struct {
	Action      string // BUY / SELL / BULK_SELL
	AmountIn    uint64 // 输入资产最小单位
	PriorityFee uint64 // 报价给出的优先费（lamports）
}

// Guard 是通用接口，手续费上限、最小数量等都可实现。
type Guard interface {
	PreExecute(e Execution) error
}

// MultiGuard 顺序执行多个 Guard，只要有一个返回错误则中止。
type MultiGuard struct {
	Guards []Guard
}

func (m MultiGuard) PreExecute(e Execution) error {
	for _, g := range m.Guards {
		if g == nil {
			continue
		}
		if err := g.PreExecute(e); err != nil {
			return err
		}
	}
	return nil
}
