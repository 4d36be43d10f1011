package htlc

// ContractABI is the event surface of the swap HTLC contract. Only events
// are listed; funding and redeeming are done by the wallet outside this
// package.
const ContractABI = `[
  {"type":"event","name":"Open","anonymous":false,"inputs":[
    {"name":"id","type":"bytes32","indexed":true},
    {"name":"token","type":"address","indexed":false},
    {"name":"amount","type":"uint256","indexed":false},
    {"name":"recipient","type":"address","indexed":false},
    {"name":"hash","type":"bytes32","indexed":false},
    {"name":"timeout","type":"uint256","indexed":false}
  ]},
  {"type":"event","name":"Redeem","anonymous":false,"inputs":[
    {"name":"id","type":"bytes32","indexed":true},
    {"name":"secret","type":"bytes32","indexed":false}
  ]},
  {"type":"event","name":"Refund","anonymous":false,"inputs":[
    {"name":"id","type":"bytes32","indexed":true}
  ]}
]`
