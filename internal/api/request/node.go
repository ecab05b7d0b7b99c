package request

type CreateNode struct {
	Name       string `json:"name" validate:"required,slug"`
	Host       string `json:"host" validate:"required,hostname_rfc1123|ip"`
	Port       int    `json:"port" validate:"omitempty,min=1,max=65535"`
	Username   string `json:"username" validate:"required"`
	AuthType   string `json:"auth_type" validate:"omitempty,oneof=password ssh_key ssh_cert"`
	Password   string `json:"password" validate:"required_if=AuthType password"`
	PrivateKey string `json:"private_key" validate:"required_if=AuthType ssh_key"`
	Passphrase string `json:"passphrase"`
	Active     *bool  `json:"active"`
}

type SetNodeActive struct {
	Active *bool `json:"active" validate:"required"`
}
