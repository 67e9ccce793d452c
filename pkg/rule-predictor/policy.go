package rulepredictor

import (
	"os"

	"gopkg.in/yaml.v3"
)

// Policy names the site routes the rules refer to.
type Policy struct {
	Home           string `yaml:"home"`
	Profile        string `yaml:"profile"`
	CategoryPrefix string `yaml:"categoryPrefix"`
	ProductPrefix  string `yaml:"productPrefix"`
}

func DefaultPolicy() Policy {
	return Policy{
		Home:           "/",
		Profile:        "/profile",
		CategoryPrefix: "/category/",
		ProductPrefix:  "/product/",
	}
}

// Category is the route of the category with the given id.
func (p Policy) Category(id string) string {
	return p.CategoryPrefix + id
}

// Product is the route of the product with the given id.
func (p Policy) Product(id string) string {
	return p.ProductPrefix + id
}

func (p Policy) withDefaults() Policy {
	d := DefaultPolicy()
	if p.Home == "" {
		p.Home = d.Home
	}
	if p.Profile == "" {
		p.Profile = d.Profile
	}
	if p.CategoryPrefix == "" {
		p.CategoryPrefix = d.CategoryPrefix
	}
	if p.ProductPrefix == "" {
		p.ProductPrefix = d.ProductPrefix
	}
	return p
}

// LoadPolicy reads a policy from a YAML file.
// Fields missing from the file keep their defaults.
func LoadPolicy(filename string) (Policy, error) {
	var policy Policy
	policyBytes, err := os.ReadFile(filename)
	if err != nil {
		return policy, err
	}
	err = yaml.Unmarshal(policyBytes, &policy)
	return policy.withDefaults(), err
}
