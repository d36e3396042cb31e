package core

import "fmt"

type Environment string

const (
	DevelopmentEnv Environment = "development"
	ProductionEnv  Environment = "production"
	TestEnv        Environment = "test"
)

func (e Environment) IsProduction() bool {
	return e == ProductionEnv
}

func (e Environment) IsDevelopment() bool {
	return e == DevelopmentEnv
}

// Validate rejects environments the server doesn't know how to configure
func (e Environment) Validate() error {
	switch e {
	case DevelopmentEnv, ProductionEnv, TestEnv:
		return nil
	default:
		return fmt.Errorf("unknown environment %q: either 'development', 'production' or 'test'", string(e))
	}
}
