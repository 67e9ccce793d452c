package alwaysprefetch

import (
	"os"

	"gopkg.in/yaml.v3"

	rulepredictor "github.com/always-cache/always-prefetch/pkg/rule-predictor"
	responsetransformer "github.com/always-cache/always-prefetch/pkg/response-transformer"
)

// FileConfig is the optional YAML site configuration.
//
//	origin: https://shop.example.com
//	policy:
//	  categoryPrefix: /c/
//	rules:
//	  - prefix: /account
//	    skip: true
type FileConfig struct {
	Origin string                    `yaml:"origin"`
	Host   string                    `yaml:"host"`
	Policy rulepredictor.Policy      `yaml:"policy"`
	Rules  responsetransformer.Rules `yaml:"rules"`
}

func LoadConfigFile(filename string) (FileConfig, error) {
	var config FileConfig
	configBytes, err := os.ReadFile(filename)
	if err != nil {
		return config, err
	}
	err = yaml.Unmarshal(configBytes, &config)
	return config, err
}
