package ledger

import (
	"strings"

	"github.com/ethereum/go-ethereum/accounts/abi"
)

const tokenABIJSON = `[
  {"type":"function","name":"balanceOf","stateMutability":"view",
   "inputs":[{"name":"account","type":"address"}],
   "outputs":[{"name":"","type":"uint256"}]},
  {"type":"function","name":"allowance","stateMutability":"view",
   "inputs":[{"name":"owner","type":"address"},{"name":"spender","type":"address"}],
   "outputs":[{"name":"","type":"uint256"}]},
  {"type":"function","name":"approve","stateMutability":"nonpayable",
   "inputs":[{"name":"spender","type":"address"},{"name":"amount","type":"uint256"}],
   "outputs":[{"name":"","type":"bool"}]}
]`

const marketplaceABIJSON = `[
  {"type":"function","name":"productCount","stateMutability":"view",
   "inputs":[],
   "outputs":[{"name":"","type":"uint256"}]},
  {"type":"function","name":"getProducts","stateMutability":"view",
   "inputs":[],
   "outputs":[{"name":"","type":"tuple[]","components":[
     {"name":"id","type":"uint256"},
     {"name":"name","type":"string"},
     {"name":"price","type":"uint256"},
     {"name":"seller","type":"address"},
     {"name":"sold","type":"bool"}]}]},
  {"type":"function","name":"listProduct","stateMutability":"nonpayable",
   "inputs":[{"name":"name","type":"string"},{"name":"price","type":"uint256"}],
   "outputs":[]},
  {"type":"function","name":"buyProduct","stateMutability":"nonpayable",
   "inputs":[{"name":"id","type":"uint256"}],
   "outputs":[]}
]`

var (
	tokenABI       abi.ABI
	marketplaceABI abi.ABI
)

func init() {
	var err error
	if tokenABI, err = abi.JSON(strings.NewReader(tokenABIJSON)); err != nil {
		panic("parse token abi: " + err.Error())
	}
	if marketplaceABI, err = abi.JSON(strings.NewReader(marketplaceABIJSON)); err != nil {
		panic("parse marketplace abi: " + err.Error())
	}
}
