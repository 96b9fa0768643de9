package contracts

import (
	"fmt"
	"math/big"
	"strings"

	"github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/accounts/abi"
	"github.com/ethereum/go-ethereum/accounts/abi/bind"
	"github.com/ethereum/go-ethereum/common"
)

// MaxUint256 represents the maximum possible uint256 value (2^256 - 1)
var MaxUint256 = new(big.Int).Sub(new(big.Int).Lsh(big.NewInt(1), 256), big.NewInt(1))

// ERC20ABI contains the ERC-20 functions used for balances, approvals and deposits
const ERC20ABI = `[
	{
		"constant": true,
		"inputs": [
			{"name": "_owner", "type": "address"},
			{"name": "_spender", "type": "address"}
		],
		"name": "allowance",
		"outputs": [{"name": "", "type": "uint256"}],
		"stateMutability": "view",
		"type": "function"
	},
	{
		"constant": false,
		"inputs": [
			{"name": "_spender", "type": "address"},
			{"name": "_value", "type": "uint256"}
		],
		"name": "approve",
		"outputs": [{"name": "", "type": "bool"}],
		"stateMutability": "nonpayable",
		"type": "function"
	},
	{
		"constant": true,
		"inputs": [{"name": "_owner", "type": "address"}],
		"name": "balanceOf",
		"outputs": [{"name": "balance", "type": "uint256"}],
		"stateMutability": "view",
		"type": "function"
	},
	{
		"constant": false,
		"inputs": [
			{"name": "_to", "type": "address"},
			{"name": "_value", "type": "uint256"}
		],
		"name": "transfer",
		"outputs": [{"name": "", "type": "bool"}],
		"stateMutability": "nonpayable",
		"type": "function"
	}
]`

// ERC20MetaABI is the parsed form of ERC20ABI
var ERC20MetaABI = mustParse(ERC20ABI)

func mustParse(raw string) abi.ABI {
	parsed, err := abi.JSON(strings.NewReader(raw))
	if err != nil {
		panic(fmt.Sprintf("invalid ERC20 ABI: %v", err))
	}
	return parsed
}

// PackApprove encodes approve(spender, value)
func PackApprove(spender common.Address, value *big.Int) ([]byte, error) {
	return ERC20MetaABI.Pack("approve", spender, value)
}

// PackTransfer encodes transfer(to, value)
func PackTransfer(to common.Address, value *big.Int) ([]byte, error) {
	return ERC20MetaABI.Pack("transfer", to, value)
}

// UnpackApprove decodes approve calldata back into its arguments
func UnpackApprove(data []byte) (common.Address, *big.Int, error) {
	return unpackAddressAmount("approve", data)
}

// UnpackTransfer decodes transfer calldata back into its arguments
func UnpackTransfer(data []byte) (common.Address, *big.Int, error) {
	return unpackAddressAmount("transfer", data)
}

func unpackAddressAmount(method string, data []byte) (common.Address, *big.Int, error) {
	m, ok := ERC20MetaABI.Methods[method]
	if !ok || len(data) < 4 || string(data[:4]) != string(m.ID) {
		return common.Address{}, nil, fmt.Errorf("calldata is not %s", method)
	}
	args, err := m.Inputs.Unpack(data[4:])
	if err != nil {
		return common.Address{}, nil, err
	}
	addr, ok1 := args[0].(common.Address)
	value, ok2 := args[1].(*big.Int)
	if !ok1 || !ok2 {
		return common.Address{}, nil, fmt.Errorf("unexpected %s arguments", method)
	}
	return addr, value, nil
}

// ERC20 is a read binding for an ERC-20 token
type ERC20 struct {
	address  common.Address
	contract *bind.BoundContract
}

// NewERC20 binds a token at address using the given backend
func NewERC20(address common.Address, caller bind.ContractCaller) *ERC20 {
	return &ERC20{
		address:  address,
		contract: bind.NewBoundContract(address, ERC20MetaABI, caller, nil, nil),
	}
}

// Allowance returns allowance(owner, spender)
func (t *ERC20) Allowance(opts *bind.CallOpts, owner, spender common.Address) (*big.Int, error) {
	return t.callUint(opts, "allowance", owner, spender)
}

// BalanceOf returns balanceOf(owner)
func (t *ERC20) BalanceOf(opts *bind.CallOpts, owner common.Address) (*big.Int, error) {
	return t.callUint(opts, "balanceOf", owner)
}

func (t *ERC20) callUint(opts *bind.CallOpts, method string, args ...interface{}) (*big.Int, error) {
	var out []interface{}
	if err := t.contract.Call(opts, &out, method, args...); err != nil {
		return nil, err
	}
	if len(out) == 0 {
		return nil, fmt.Errorf("%s returned no data: %w", method, ethereum.NotFound)
	}
	value, ok := out[0].(*big.Int)
	if !ok {
		return nil, fmt.Errorf("%s returned %T", method, out[0])
	}
	return value, nil
}
