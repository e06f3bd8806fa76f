package strategies

func init() {
	Register("momentum", func() Strategy { return NewMomentum(MomentumConfig{}) })
	Register("value", func() Strategy { return NewValue(ValueConfig{}) })
	Register("macro", func() Strategy { return NewMacro(MacroConfig{}) })
}
