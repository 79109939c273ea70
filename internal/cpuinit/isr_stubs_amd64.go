package cpuinit

// isrStubN is the assembly entry point for IDT vector N, defined in
// isr_stubs_amd64.s. isrStubTable lets NewIDT fill all 256 gate
// descriptors with a loop instead of 256 repeated lines.

func isrStub0()
func isrStub1()
func isrStub2()
func isrStub3()
func isrStub4()
func isrStub5()
func isrStub6()
func isrStub7()
func isrStub8()
func isrStub9()
func isrStub10()
func isrStub11()
func isrStub12()
func isrStub13()
func isrStub14()
func isrStub15()
func isrStub16()
func isrStub17()
func isrStub18()
func isrStub19()
func isrStub20()
func isrStub21()
func isrStub22()
func isrStub23()
func isrStub24()
func isrStub25()
func isrStub26()
func isrStub27()
func isrStub28()
func isrStub29()
func isrStub30()
func isrStub31()
func isrStub32()
func isrStub33()
func isrStub34()
func isrStub35()
func isrStub36()
func isrStub37()
func isrStub38()
func isrStub39()
func isrStub40()
func isrStub41()
func isrStub42()
func isrStub43()
func isrStub44()
func isrStub45()
func isrStub46()
func isrStub47()
func isrStub48()
func isrStub49()
func isrStub50()
func isrStub51()
func isrStub52()
func isrStub53()
func isrStub54()
func isrStub55()
func isrStub56()
func isrStub57()
func isrStub58()
func isrStub59()
func isrStub60()
func isrStub61()
func isrStub62()
func isrStub63()
func isrStub64()
func isrStub65()
func isrStub66()
func isrStub67()
func isrStub68()
func isrStub69()
func isrStub70()
func isrStub71()
func isrStub72()
func isrStub73()
func isrStub74()
func isrStub75()
func isrStub76()
func isrStub77()
func isrStub78()
func isrStub79()
func isrStub80()
func isrStub81()
func isrStub82()
func isrStub83()
func isrStub84()
func isrStub85()
func isrStub86()
func isrStub87()
func isrStub88()
func isrStub89()
func isrStub90()
func isrStub91()
func isrStub92()
func isrStub93()
func isrStub94()
func isrStub95()
func isrStub96()
func isrStub97()
func isrStub98()
func isrStub99()
func isrStub100()
func isrStub101()
func isrStub102()
func isrStub103()
func isrStub104()
func isrStub105()
func isrStub106()
func isrStub107()
func isrStub108()
func isrStub109()
func isrStub110()
func isrStub111()
func isrStub112()
func isrStub113()
func isrStub114()
func isrStub115()
func isrStub116()
func isrStub117()
func isrStub118()
func isrStub119()
func isrStub120()
func isrStub121()
func isrStub122()
func isrStub123()
func isrStub124()
func isrStub125()
func isrStub126()
func isrStub127()
func isrStub128()
func isrStub129()
func isrStub130()
func isrStub131()
func isrStub132()
func isrStub133()
func isrStub134()
func isrStub135()
func isrStub136()
func isrStub137()
func isrStub138()
func isrStub139()
func isrStub140()
func isrStub141()
func isrStub142()
func isrStub143()
func isrStub144()
func isrStub145()
func isrStub146()
func isrStub147()
func isrStub148()
func isrStub149()
func isrStub150()
func isrStub151()
func isrStub152()
func isrStub153()
func isrStub154()
func isrStub155()
func isrStub156()
func isrStub157()
func isrStub158()
func isrStub159()
func isrStub160()
func isrStub161()
func isrStub162()
func isrStub163()
func isrStub164()
func isrStub165()
func isrStub166()
func isrStub167()
func isrStub168()
func isrStub169()
func isrStub170()
func isrStub171()
func isrStub172()
func isrStub173()
func isrStub174()
func isrStub175()
func isrStub176()
func isrStub177()
func isrStub178()
func isrStub179()
func isrStub180()
func isrStub181()
func isrStub182()
func isrStub183()
func isrStub184()
func isrStub185()
func isrStub186()
func isrStub187()
func isrStub188()
func isrStub189()
func isrStub190()
func isrStub191()
func isrStub192()
func isrStub193()
func isrStub194()
func isrStub195()
func isrStub196()
func isrStub197()
func isrStub198()
func isrStub199()
func isrStub200()
func isrStub201()
func isrStub202()
func isrStub203()
func isrStub204()
func isrStub205()
func isrStub206()
func isrStub207()
func isrStub208()
func isrStub209()
func isrStub210()
func isrStub211()
func isrStub212()
func isrStub213()
func isrStub214()
func isrStub215()
func isrStub216()
func isrStub217()
func isrStub218()
func isrStub219()
func isrStub220()
func isrStub221()
func isrStub222()
func isrStub223()
func isrStub224()
func isrStub225()
func isrStub226()
func isrStub227()
func isrStub228()
func isrStub229()
func isrStub230()
func isrStub231()
func isrStub232()
func isrStub233()
func isrStub234()
func isrStub235()
func isrStub236()
func isrStub237()
func isrStub238()
func isrStub239()
func isrStub240()
func isrStub241()
func isrStub242()
func isrStub243()
func isrStub244()
func isrStub245()
func isrStub246()
func isrStub247()
func isrStub248()
func isrStub249()
func isrStub250()
func isrStub251()
func isrStub252()
func isrStub253()
func isrStub254()
func isrStub255()

var isrStubTable = [256]func(){
	isrStub0,
	isrStub1,
	isrStub2,
	isrStub3,
	isrStub4,
	isrStub5,
	isrStub6,
	isrStub7,
	isrStub8,
	isrStub9,
	isrStub10,
	isrStub11,
	isrStub12,
	isrStub13,
	isrStub14,
	isrStub15,
	isrStub16,
	isrStub17,
	isrStub18,
	isrStub19,
	isrStub20,
	isrStub21,
	isrStub22,
	isrStub23,
	isrStub24,
	isrStub25,
	isrStub26,
	isrStub27,
	isrStub28,
	isrStub29,
	isrStub30,
	isrStub31,
	isrStub32,
	isrStub33,
	isrStub34,
	isrStub35,
	isrStub36,
	isrStub37,
	isrStub38,
	isrStub39,
	isrStub40,
	isrStub41,
	isrStub42,
	isrStub43,
	isrStub44,
	isrStub45,
	isrStub46,
	isrStub47,
	isrStub48,
	isrStub49,
	isrStub50,
	isrStub51,
	isrStub52,
	isrStub53,
	isrStub54,
	isrStub55,
	isrStub56,
	isrStub57,
	isrStub58,
	isrStub59,
	isrStub60,
	isrStub61,
	isrStub62,
	isrStub63,
	isrStub64,
	isrStub65,
	isrStub66,
	isrStub67,
	isrStub68,
	isrStub69,
	isrStub70,
	isrStub71,
	isrStub72,
	isrStub73,
	isrStub74,
	isrStub75,
	isrStub76,
	isrStub77,
	isrStub78,
	isrStub79,
	isrStub80,
	isrStub81,
	isrStub82,
	isrStub83,
	isrStub84,
	isrStub85,
	isrStub86,
	isrStub87,
	isrStub88,
	isrStub89,
	isrStub90,
	isrStub91,
	isrStub92,
	isrStub93,
	isrStub94,
	isrStub95,
	isrStub96,
	isrStub97,
	isrStub98,
	isrStub99,
	isrStub100,
	isrStub101,
	isrStub102,
	isrStub103,
	isrStub104,
	isrStub105,
	isrStub106,
	isrStub107,
	isrStub108,
	isrStub109,
	isrStub110,
	isrStub111,
	isrStub112,
	isrStub113,
	isrStub114,
	isrStub115,
	isrStub116,
	isrStub117,
	isrStub118,
	isrStub119,
	isrStub120,
	isrStub121,
	isrStub122,
	isrStub123,
	isrStub124,
	isrStub125,
	isrStub126,
	isrStub127,
	isrStub128,
	isrStub129,
	isrStub130,
	isrStub131,
	isrStub132,
	isrStub133,
	isrStub134,
	isrStub135,
	isrStub136,
	isrStub137,
	isrStub138,
	isrStub139,
	isrStub140,
	isrStub141,
	isrStub142,
	isrStub143,
	isrStub144,
	isrStub145,
	isrStub146,
	isrStub147,
	isrStub148,
	isrStub149,
	isrStub150,
	isrStub151,
	isrStub152,
	isrStub153,
	isrStub154,
	isrStub155,
	isrStub156,
	isrStub157,
	isrStub158,
	isrStub159,
	isrStub160,
	isrStub161,
	isrStub162,
	isrStub163,
	isrStub164,
	isrStub165,
	isrStub166,
	isrStub167,
	isrStub168,
	isrStub169,
	isrStub170,
	isrStub171,
	isrStub172,
	isrStub173,
	isrStub174,
	isrStub175,
	isrStub176,
	isrStub177,
	isrStub178,
	isrStub179,
	isrStub180,
	isrStub181,
	isrStub182,
	isrStub183,
	isrStub184,
	isrStub185,
	isrStub186,
	isrStub187,
	isrStub188,
	isrStub189,
	isrStub190,
	isrStub191,
	isrStub192,
	isrStub193,
	isrStub194,
	isrStub195,
	isrStub196,
	isrStub197,
	isrStub198,
	isrStub199,
	isrStub200,
	isrStub201,
	isrStub202,
	isrStub203,
	isrStub204,
	isrStub205,
	isrStub206,
	isrStub207,
	isrStub208,
	isrStub209,
	isrStub210,
	isrStub211,
	isrStub212,
	isrStub213,
	isrStub214,
	isrStub215,
	isrStub216,
	isrStub217,
	isrStub218,
	isrStub219,
	isrStub220,
	isrStub221,
	isrStub222,
	isrStub223,
	isrStub224,
	isrStub225,
	isrStub226,
	isrStub227,
	isrStub228,
	isrStub229,
	isrStub230,
	isrStub231,
	isrStub232,
	isrStub233,
	isrStub234,
	isrStub235,
	isrStub236,
	isrStub237,
	isrStub238,
	isrStub239,
	isrStub240,
	isrStub241,
	isrStub242,
	isrStub243,
	isrStub244,
	isrStub245,
	isrStub246,
	isrStub247,
	isrStub248,
	isrStub249,
	isrStub250,
	isrStub251,
	isrStub252,
	isrStub253,
	isrStub254,
	isrStub255,
}
